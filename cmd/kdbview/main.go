package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kdbview"
)

// glogFlags exposes the glog settings registered on the go flag set.
func glogFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("glog", pflag.ContinueOnError)
	fs.AddGoFlagSet(flag.CommandLine)
	return fs
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kdbview",
		Short:         "Page through CouchDB views",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().AddFlagSet(glogFlags())
	rootCmd.AddCommand(newFetchCmd(), newServeCmd())
	return rootCmd
}

func main() {
	// glog reads its settings from the go flag set, which cobra parses
	_ = flag.CommandLine.Parse(nil)
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		code, reason := kdbview.Describe(err)
		glog.Errorf("%s: %s", code, reason)
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", reason, code)
		stop()
		glog.Flush()
		os.Exit(1)
	}
}
