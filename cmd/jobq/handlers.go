package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/jobq/dispatcher"
	"goa.design/jobq/job"
	"goa.design/jobq/jobq"
)

type (
	// demoParams are the parameters accepted by the demo handlers.
	demoParams struct {
		// Duration is how long the handler works, e.g. "2s".
		Duration string `json:"duration"`
		// Message is the failure message of the fail handler.
		Message string `json:"message"`
	}

	// vmResult is the result of the VM handlers.
	vmResult struct {
		Instance int64  `json:"instance"`
		State    string `json:"state"`
	}
)

// registerDemoHandlers registers handlers that simulate work on VMs.
func registerDemoHandlers(d *dispatcher.Dispatcher, logger jobq.Logger) error {
	handlers := map[string]dispatcher.Handler{
		"vm.start": vmHandler(logger, "running", 500*time.Millisecond),
		"vm.stop":  vmHandler(logger, "stopped", 200*time.Millisecond),
		"sleep":    dispatcher.HandlerFunc(sleepHandler),
		"fail":     dispatcher.HandlerFunc(failHandler),
	}
	for command, h := range handlers {
		if err := d.Register(command, h); err != nil {
			return err
		}
	}
	return nil
}

// vmHandler returns a handler that moves a VM to state after working for the
// requested duration, def by default.
func vmHandler(logger jobq.Logger, state string, def time.Duration) dispatcher.Handler {
	return dispatcher.HandlerFunc(func(ctx context.Context, j *job.Job) ([]byte, error) {
		p, err := parseParams(j.Params)
		if err != nil {
			return nil, err
		}
		d, err := p.duration(def)
		if err != nil {
			return nil, err
		}
		logger.Info("vm transition", "instance", j.InstanceID, "state", state, "job", j.ID)
		if err := wait(ctx, d); err != nil {
			return nil, err
		}
		return json.Marshal(vmResult{Instance: j.InstanceID, State: state})
	})
}

func sleepHandler(ctx context.Context, j *job.Job) ([]byte, error) {
	p, err := parseParams(j.Params)
	if err != nil {
		return nil, err
	}
	d, err := p.duration(time.Second)
	if err != nil {
		return nil, err
	}
	return nil, wait(ctx, d)
}

func failHandler(_ context.Context, j *job.Job) ([]byte, error) {
	p, err := parseParams(j.Params)
	if err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, errors.New("requested failure")
	}
	return nil, errors.New(p.Message)
}

func parseParams(b []byte) (*demoParams, error) {
	var p demoParams
	if len(b) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return &p, nil
}

func (p *demoParams) duration(def time.Duration) (time.Duration, error) {
	if p.Duration == "" {
		return def, nil
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return d, nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
