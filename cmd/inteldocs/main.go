package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/inteldocs/internal/app"
	"github.com/dharsanguruparan/inteldocs/internal/config"
	"github.com/dharsanguruparan/inteldocs/internal/documents"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
	"github.com/dharsanguruparan/inteldocs/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := &cli{}
	rootCmd := cli.newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	cli.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "inteldocs: %v\n", err)
		os.Exit(1)
	}
}

// cli holds what the commands share. It is populated lazily by setup so
// commands like help never touch the backends.
type cli struct {
	app    *app.App
	log    *logger.Logger
	client *queue.Client
}

func (c *cli) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inteldocs",
		Short: "Operate the document processing pipeline",
		Long: `inteldocs ingests PDF documents, tracks them through extraction, embedding and
summarization, and exposes the operator actions to retry, rewind, edit, revoke and
delete them.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		c.newIngestCmd(),
		c.newListCmd(),
		c.newStatusCmd(),
		c.newHistoryCmd(),
		c.newRetryCmd(),
		c.newReextractCmd(),
		c.newEditCmd(),
		c.newRevokeCmd(),
		c.newDeleteCmd(),
		c.newDeleteAllCmd(),
		c.newChunksCmd(),
		c.newMarkdownCmd(),
		c.newSearchCmd(),
		c.newTagsCmd(),
		c.newRunLocalCmd(),
	)
	return cmd
}

// setup builds the application graph once.
func (c *cli) setup(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.log, err = logger.New(cfg.LogMode); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if c.app, err = app.Build(ctx, cfg, c.log); err != nil {
		return nil, err
	}
	return c.app, nil
}

// service returns document operations that dispatch through Redis.
func (c *cli) service(ctx context.Context) (*documents.Service, error) {
	a, err := c.setup(ctx)
	if err != nil {
		return nil, err
	}
	if c.client == nil {
		c.client = queue.NewClient(asynq.RedisClientOpt{
			Addr:     a.Config.RedisAddr,
			Password: a.Config.RedisPassword,
			DB:       a.Config.RedisDB,
		}, queue.Options{
			MaxRetry:  a.Config.TaskMaxRetry,
			UniqueTTL: a.Config.UniqueTTL,
		})
	}
	return a.Service(c.client), nil
}

// localService returns document operations backed by an explicit dispatcher.
func (c *cli) localService(ctx context.Context, d pipeline.Dispatcher) (*documents.Service, error) {
	a, err := c.setup(ctx)
	if err != nil {
		return nil, err
	}
	return a.Service(d), nil
}

func (c *cli) close() {
	var errs []error
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	if c.app != nil {
		errs = append(errs, c.app.Close())
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(os.Stderr, "inteldocs: shutdown: %v\n", err)
	}
	if c.log != nil {
		c.log.Sync()
	}
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", arg)
	}
	return id, nil
}
