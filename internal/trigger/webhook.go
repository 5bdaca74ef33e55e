package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"ghostrun/internal/task/job"
	"ghostrun/internal/task/scheduler"
	logx "ghostrun/pkg/logx"
)

const (
	DefaultAddr = ":8088"
	// DefaultWait bounds how long a synchronous hook waits for its result.
	DefaultWait = 10 * time.Minute
)

// Runner fires jobs and exposes the current catalog.
type Runner interface {
	RunTask(ctx context.Context, def job.Definition) (*job.Future, error)
	Job(id string) (job.Definition, bool)
	Jobs() []job.Definition
}

type WebhookConfig struct {
	Addr  string
	Token string
	Wait  time.Duration
}

type Webhook struct {
	cfg    WebhookConfig
	runner Runner
	log    logx.Logger
	app    *fiber.App
}

func NewWebhook(cfg WebhookConfig, runner Runner, log logx.Logger) *Webhook {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	w := &Webhook{cfg: cfg, runner: runner, log: log.With(logx.String("comp", "webhook"))}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(w.requestLogger())
	app.Get("/healthz", w.health)

	api := app.Group("", w.auth)
	api.Get("/jobs", w.listJobs)
	api.Post("/hooks/:id", w.fire)

	w.app = app
	return w
}

// App exposes the handler for tests.
func (w *Webhook) App() *fiber.App { return w.app }

// Serve listens until ctx is done, then shuts down gracefully.
func (w *Webhook) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- w.app.Listen(w.cfg.Addr) }()
	w.log.Info("webhook listening", logx.String("addr", w.cfg.Addr), logx.Bool("auth", w.cfg.Token != ""))

	select {
	case err := <-errCh:
		return errors.Wrap(err, "webhook listen")
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return errors.Wrap(w.app.ShutdownWithContext(sctx), "webhook shutdown")
	}
}

func (w *Webhook) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		w.log.Debug("request",
			logx.Int("status", c.Response().StatusCode()),
			logx.Duration("latency", time.Since(start)),
			logx.String("ip", c.IP()),
			logx.String("method", c.Method()),
			logx.String("path", c.Path()),
		)
		return err
	}
}

func (w *Webhook) auth(c *fiber.Ctx) error {
	if w.cfg.Token == "" {
		return c.Next()
	}
	got := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(got), []byte(w.cfg.Token)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

func (w *Webhook) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

type jobView struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Trigger job.Trigger `json:"trigger"`
	Cron    string      `json:"cron,omitempty"`
	Company string      `json:"company"`
	Enabled bool        `json:"enabled"`
}

func (w *Webhook) listJobs(c *fiber.Ctx) error {
	defs := w.runner.Jobs()
	out := make([]jobView, 0, len(defs))
	for _, d := range defs {
		out = append(out, jobView{ID: d.ID, Name: d.Name, Trigger: d.Trigger, Cron: d.Cron, Company: d.Company, Enabled: d.Enabled})
	}
	return c.JSON(fiber.Map{"jobs": out})
}

func (w *Webhook) fire(c *fiber.Ctx) error {
	id := c.Params("id")
	def, ok := w.runner.Job(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown job"})
	}
	if def.Trigger != job.TriggerWebhook {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "job is not webhook-triggered"})
	}
	if !def.Enabled {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "job is disabled"})
	}

	// A JSON object body is merged over the catalog arguments.
	if body := c.Body(); len(strings.TrimSpace(string(body))) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "body must be a JSON object"})
		}
		args := make(map[string]any, len(def.Arguments)+len(payload))
		for k, v := range def.Arguments {
			args[k] = v
		}
		for k, v := range payload {
			args[k] = v
		}
		def.Arguments = args
	}

	firing := uuid.NewString()
	c.Set("X-Ghostrun-Firing", firing)
	log := w.log.With(logx.String("job_id", def.ID), logx.String("firing", firing))

	fut, err := w.runner.RunTask(c.UserContext(), def)
	if err != nil {
		log.Warn("webhook firing refused", logx.Err(err))
		status := fiber.StatusInternalServerError
		if errors.Is(err, scheduler.ErrStopped) {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	log.Info("webhook fired", logx.Bool("async", c.QueryBool("async")))

	if c.QueryBool("async") {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": def.ID, "firing": firing})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), w.cfg.Wait)
	defer cancel()
	res, err := fut.Wait(ctx)
	if err != nil {
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"id": def.ID, "firing": firing, "error": "result not ready"})
	}
	status := fiber.StatusOK
	if !res.OK() {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(res)
}
