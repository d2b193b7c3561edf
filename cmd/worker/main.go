package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/denisbrodbeck/machineid"
	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "parx-worker",
	Short: "Parx pool worker process",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		workerConfig, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}

		if err := workerConfig.Validate(); err != nil {
			log.Fatal(err)
		}

		machineID, err := machineid.ProtectedID("parx")
		if err != nil {
			log.Debugf("no machine id: %v", err)
		}

		log.Info("Worker configuration:")
		log.Infof("  Coordinator: %s", workerConfig.Connect)
		log.Infof("  Cores: %d", workerConfig.Cores)
		log.Infof("  Threads per core: %d", workerConfig.ThreadsPerCore)
		if len(workerConfig.GPUs) > 0 {
			log.Infof("  GPUs: %v", workerConfig.GPUs)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = worker.Run(ctx, workerConfig.Connect, worker.Options{
			Token:          workerConfig.Token,
			MachineID:      machineID,
			Cores:          workerConfig.Cores,
			ThreadsPerCore: workerConfig.ThreadsPerCore,
			GPUs:           workerConfig.GPUs,
			WorkDir:        workerConfig.WorkDir,
			InitRef:        workerConfig.InitRef,
		})
		if err != nil && ctx.Err() == nil {
			log.Fatal(err)
		}
	},
}

func main() {
	rootCmd.Flags().StringP("connect", "c", "", "Coordinator address to connect to")
	rootCmd.Flags().String("token", "", "Spawn token issued by the coordinator")
	rootCmd.Flags().Int("cores", 1, "Number of cores granted to this worker")
	rootCmd.Flags().Int("threads-per-core", 1, "Number of threads per core")
	rootCmd.Flags().StringSlice("gpus", []string{}, "GPU devices bound to this worker")
	rootCmd.Flags().String("cwd", "", "Working directory for task execution")
	rootCmd.Flags().String("init", "", "Registered callable to run before accepting tasks")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("connect", rootCmd.Flags().Lookup("connect"))
	viper.BindPFlag("token", rootCmd.Flags().Lookup("token"))
	viper.BindPFlag("cores", rootCmd.Flags().Lookup("cores"))
	viper.BindPFlag("threads_per_core", rootCmd.Flags().Lookup("threads-per-core"))
	viper.BindPFlag("gpus", rootCmd.Flags().Lookup("gpus"))
	viper.BindPFlag("cwd", rootCmd.Flags().Lookup("cwd"))
	viper.BindPFlag("init", rootCmd.Flags().Lookup("init"))
	viper.SetEnvPrefix("parx")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
