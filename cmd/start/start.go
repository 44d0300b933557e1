package start

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/maraxen/praxis/internal/assetlock"
	"github.com/maraxen/praxis/internal/event"
	"github.com/maraxen/praxis/internal/history"
	"github.com/maraxen/praxis/internal/metrics"
	"github.com/maraxen/praxis/internal/orchestrator"
	"github.com/maraxen/praxis/internal/protocol"
	"github.com/maraxen/praxis/internal/reaper"
	"github.com/maraxen/praxis/internal/registry"
	"github.com/maraxen/praxis/internal/reservation"
	"github.com/maraxen/praxis/internal/scheduler"
	"github.com/maraxen/praxis/internal/workcell"
	"github.com/maraxen/praxis/internal/worker"
	"github.com/maraxen/praxis/pkg/db"
	"github.com/maraxen/praxis/pkg/env"
	"github.com/maraxen/praxis/pkg/log"
	"github.com/spf13/cobra"
)

const (
	usage   = "start"
	short   = "Start a praxis workcell coordinator"
	long    = "This command starts a praxis workcell scheduling and orchestration instance"
	example = "praxis start"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "run", "begin"},
		Example:    example,
		RunE:       start,
	}
)

var cancel context.CancelFunc

func start(cmd *cobra.Command, args []string) error {
	signalChan := make(chan os.Signal, 1)

	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 signal")
				if profile := pprof.Lookup("goroutine"); profile != nil {
					if err := profile.WriteTo(os.Stdout, 1); err != nil {
						log.Error("write goroutine profile", "error", err)
					}
				}
			case syscall.SIGINT:
				log.Info("gracefully shutting down due to SIGINT signal")
				shutdown()
				os.Exit(0)
			}
		}
	}()

	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT)

	var errs = make(chan error)
	ctx, cancelFunc := context.WithCancel(context.Background())
	cancel = cancelFunc

	vars := env.Variables()
	log.Info("starting praxis", "node_id", vars.NodeID, "database", vars.DatabaseType)

	gdb, err := db.Connect()
	if err != nil {
		log.Fatal("database connection failure", "error", err)
	}

	log.Info("migrating database")
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("database migration failure", "error", err)
	}

	metrics.Register()

	if vars.WorkcellFile != "" {
		if err := workcell.Bootstrap(ctx, gdb, vars.WorkcellFile); err != nil {
			log.Fatal("workcell bootstrap failure", "error", err)
		}
	}

	protocols := protocol.NewStore(gdb)
	if vars.ProtocolDir != "" {
		if err := protocols.LoadDir(ctx, vars.ProtocolDir); err != nil {
			log.Fatal("protocol load failure", "error", err)
		}
	}

	locks := assetlock.NewManager(gdb, vars.LockTimeout)
	reservations := reservation.NewStore(gdb)
	historyLog := history.NewLog(gdb)
	queue := scheduler.NewQueue(vars.QueueDepth)
	bus := event.New()

	sched := scheduler.New(gdb, locks, reservations, protocols, historyLog, queue, scheduler.Config{
		LockTTL:        vars.LockTTL,
		ClaimTTL:       vars.ClaimTTL,
		PollInterval:   vars.PollInterval,
		RetryCeiling:   vars.RetryCeiling,
		BackoffBase:    vars.RetryBackoffBase,
		BackoffCeiling: vars.RetryBackoffCeiling,
	})

	backend := registry.NewSimulatedBackend()
	runtimeRegistry := registry.New(gdb, backend, reservations, locks)

	orch := orchestrator.New(
		gdb,
		runtimeRegistry,
		locks,
		historyLog,
		protocols,
		bus,
		orchestrator.NewController(),
		vars.StepTimeout,
		vars.LockTTL,
	)

	pool := worker.NewPool(vars.WorkerCount)
	runWorker := worker.NewWorker(queue, pool, orch.Execute)

	sweeper, err := reaper.New(gdb, locks, reservations, historyLog, vars.ReaperSchedule)
	if err != nil {
		log.Fatal("reaper configuration failure", "error", err)
	}

	go func() {
		log.Info("launching scheduler")
		errs <- sched.Run(ctx)
	}()

	go func() {
		log.Info("launching run workers", "count", vars.WorkerCount)
		errs <- runWorker.Run(ctx)
	}()

	go func() {
		log.Info("launching reservation reaper", "schedule", vars.ReaperSchedule)
		errs <- sweeper.Run(ctx)
	}()

	defer shutdown()

	return <-errs
}

func shutdown() {
	if cancel != nil {
		cancel()
	}
}
