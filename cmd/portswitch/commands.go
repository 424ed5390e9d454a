package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/loykin/portswitch/pkg/client"
)

type command struct {
	out   io.Writer
	flags *ClientFlags
}

func (c *command) client() *client.Client {
	cfg := client.Config{
		BaseURL:  c.flags.APIUrl,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

// connect returns a client for a reachable daemon.
func (c *command) connect(ctx context.Context) (*client.Client, error) {
	cl := c.client()
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'portswitch serve'", c.flags.APIUrl)
	}
	return cl, nil
}

func (c *command) Start(ctx context.Context, f StartFlags) error {
	if f.AppID == "" {
		return errors.New("app id is required")
	}
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	req := client.StartRequest{AppID: f.AppID, StartCommand: f.Command, FolderPath: f.Folder}
	err = cl.Start(ctx, req)
	if reason, ok := client.NeedsConfirmation(err); ok && f.Yes {
		_, _ = fmt.Fprintf(c.out, "Force killing (%s)...\n", reason)
		if err := cl.ForceKill(ctx); err != nil {
			return err
		}
		err = cl.Start(ctx, req)
	}
	if err != nil {
		return c.explain(err)
	}
	return c.printStatus(ctx, cl)
}

func (c *command) Stop(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx); err != nil {
		return c.explain(err)
	}
	return c.printStatus(ctx, cl)
}

func (c *command) Status(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	return c.printStatus(ctx, cl)
}

func (c *command) KillPort(ctx context.Context, f KillPortFlags) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := cl.KillPort(ctx, f.Force); err != nil {
		return c.explain(err)
	}
	return c.printStatus(ctx, cl)
}

func (c *command) ForceKill(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := cl.ForceKill(ctx); err != nil {
		return c.explain(err)
	}
	return c.printStatus(ctx, cl)
}

func (c *command) Deny(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := cl.Deny(ctx); err != nil {
		return c.explain(err)
	}
	return c.printStatus(ctx, cl)
}

func (c *command) Apps(ctx context.Context) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	apps, err := cl.Apps(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, apps)
	return nil
}

// Logs prints events until the stream ends or ctx is cancelled.
func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	err = cl.Logs(ctx, f.Follow, func(e client.LogEvent) error {
		if f.Raw {
			printJSONLine(c.out, e)
			return nil
		}
		_, err := fmt.Fprintln(c.out, formatEvent(e))
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *command) printStatus(ctx context.Context, cl *client.Client) error {
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// explain turns a confirmation request into operator guidance.
func (c *command) explain(err error) error {
	reason, ok := client.NeedsConfirmation(err)
	if !ok {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%v\nRun 'portswitch force-kill' to kill it or 'portswitch deny' to leave it running.\n", err)
	return fmt.Errorf("confirmation required: %s", reason)
}
