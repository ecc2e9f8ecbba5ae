package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"goa.design/jobq/dispatcher"
	"goa.design/jobq/job"
	"goa.design/jobq/queue"
)

// shutdownTimeout bounds the time serve waits for running handlers on exit.
const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node that executes jobs with the demo handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(true, func(ctx context.Context, b *backend) error {
				d := a.dispatcher(b)
				if err := registerDemoHandlers(d, a.logger); err != nil {
					return err
				}
				if err := d.Start(ctx); err != nil {
					return err
				}
				log.Print(ctx, log.KV{K: "msg", V: "serving"}, log.KV{K: "node", V: d.NodeID}, log.KV{K: "backend", V: a.cfg.Backend})

				sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				select {
				case <-sctx.Done():
					log.Printf(ctx, "shutting down")
				case <-d.Done():
				}
				tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := d.Stop(tctx); err != nil {
					log.Errorf(ctx, err, "failed to stop dispatcher")
				}
				return d.Err()
			})
		},
	}
}

func newSubmitCmd(a *app) *cobra.Command {
	var (
		req    dispatcher.SubmitRequest
		params string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and print its ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if params != "" {
				req.Params = []byte(params)
			}
			return a.withBackend(false, func(ctx context.Context, b *backend) error {
				id, err := a.dispatcher(b, dispatcher.WithClientOnly()).Submit(ctx, &req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.InstanceType, "type", "", "type of the target resource, e.g. vm (required)")
	cmd.Flags().Int64Var(&req.InstanceID, "id", 0, "ID of the target resource")
	cmd.Flags().StringVar(&req.Command, "command", "", "handler command, e.g. vm.start (required)")
	cmd.Flags().StringVar(&params, "params", "", "handler parameters, usually JSON")
	cmd.Flags().StringVar(&req.Type, "job-type", "", "business job type")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "priority, lower is more urgent")
	cmd.Flags().StringVar(&req.IdempotencyKey, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withBackend(false, func(ctx context.Context, b *backend) error {
				j, err := a.dispatcher(b, dispatcher.WithClientOnly()).Query(ctx, id)
				if err != nil {
					return err
				}
				return writeYAML(cmd, newJobView(j))
			})
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not completed yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withBackend(false, func(ctx context.Context, b *backend) error {
				ok, err := a.dispatcher(b, dispatcher.WithClientOnly()).Cancel(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("job %d already completed", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d cancelled\n", id)
				return nil
			})
		},
	}
}

func newQueuesCmd(a *app) *cobra.Command {
	var blocked bool
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "List the queues and their items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(false, func(ctx context.Context, b *backend) error {
				if blocked {
					items, err := b.queues.GetBlockedQueueItems(ctx, a.cfg.Dispatcher.ClaimTimeout, b.cluster.CurrentNodeID(), false)
					if err != nil {
						return err
					}
					return writeYAML(cmd, newItemViews(items))
				}
				queues, err := b.queues.Queues(ctx)
				if err != nil {
					return err
				}
				views := make([]queueView, 0, len(queues))
				for _, q := range queues {
					items, err := b.queues.QueueItems(ctx, q.ID)
					if err != nil {
						return err
					}
					views = append(views, queueView{
						ID:       q.ID,
						Type:     q.Type,
						Resource: q.ResourceID,
						Updated:  q.LastUpdated.Format(time.RFC3339),
						Items:    newItemViews(items),
					})
				}
				return writeYAML(cmd, views)
			})
		},
	}
	cmd.Flags().BoolVar(&blocked, "blocked", false, "only list the items claimed for longer than the claim timeout")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover the items claimed for longer than the claim timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(true, func(ctx context.Context, b *backend) error {
				n, err := a.dispatcher(b, dispatcher.WithClientOnly()).Sweep(ctx)
				if err != nil && !errors.Is(err, queue.ErrInvariantViolation) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d items\n", n)
				return err
			})
		},
	}
}

type (
	jobView struct {
		ID          int64  `yaml:"id"`
		Type        string `yaml:"type,omitempty"`
		Instance    string `yaml:"instance"`
		Command     string `yaml:"command"`
		Params      string `yaml:"params,omitempty"`
		Status      string `yaml:"status"`
		Result      string `yaml:"result,omitempty"`
		Error       string `yaml:"error,omitempty"`
		Owner       string `yaml:"owner,omitempty"`
		Key         string `yaml:"key,omitempty"`
		Created     string `yaml:"created"`
		Updated     string `yaml:"updated"`
		CompletedAt string `yaml:"completed,omitempty"`
	}

	queueView struct {
		ID       int64      `yaml:"id"`
		Type     string     `yaml:"type"`
		Resource int64      `yaml:"resource"`
		Updated  string     `yaml:"updated"`
		Items    []itemView `yaml:"items"`
	}

	itemView struct {
		ID       int64  `yaml:"id"`
		Queue    int64  `yaml:"queue"`
		Content  string `yaml:"content"`
		Priority int    `yaml:"priority,omitempty"`
		Enqueued string `yaml:"enqueued"`
		State    string `yaml:"state"`
		Owner    string `yaml:"owner,omitempty"`
		Claimed  string `yaml:"claimed,omitempty"`
	}
)

func newJobView(j *job.Job) jobView {
	v := jobView{
		ID:       j.ID,
		Type:     j.Type,
		Instance: fmt.Sprintf("%s/%d", j.InstanceType, j.InstanceID),
		Command:  j.Command,
		Params:   string(j.Params),
		Status:   string(j.Status),
		Result:   string(j.Result),
		Error:    j.Error,
		Owner:    j.OwnerNode,
		Key:      j.IdempotencyKey,
		Created:  j.CreatedAt.Format(time.RFC3339),
		Updated:  j.UpdatedAt.Format(time.RFC3339),
	}
	if !j.CompletedAt.IsZero() {
		v.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func newItemViews(items []*queue.Item) []itemView {
	views := make([]itemView, len(items))
	for i, item := range items {
		views[i] = itemView{
			ID:       item.ID,
			Queue:    item.QueueID,
			Content:  fmt.Sprintf("%s/%d", item.ContentType, item.ContentID),
			Priority: item.Priority,
			Enqueued: item.EnqueuedAt.Format(time.RFC3339),
			State:    item.State().String(),
			Owner:    item.ClaimOwner,
		}
		if !item.ClaimedAt.IsZero() {
			views[i].Claimed = item.ClaimedAt.Format(time.RFC3339)
		}
	}
	return views
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
