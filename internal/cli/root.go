package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/queue"
	"github.com/SirClappington/queuectl/internal/storage"
)

// app carries what every command needs once flags are parsed.
type app struct {
	cfgPath string
	cfg     config.Config
	log     *zap.Logger
}

func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{log: zap.NewNop()}
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "A CLI-based background job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.log.Sync()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		enqueueCmd(a),
		listCmd(a),
		getCmd(a),
		statusCmd(a),
		dlqCmd(a),
		workerCmd(a),
		migrateCmd(a),
		configCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

// withService opens the configured store for the duration of fn.
func (a *app) withService(ctx context.Context, fn func(*queue.Service) error) (err error) {
	s, err := storage.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Close()) }()
	return fn(queue.NewService(s, a.log))
}
