package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/pipeline"
	srv "github.com/memoirhq/memoir/internal/server"
)

func storyCMD() *cobra.Command {
	var cfgPath string
	var intent string
	var wait time.Duration
	story := &cobra.Command{
		Use:   "story [query]",
		Short: "Run one pipeline task and print the artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := cmd.Context()

			orch, _, _, err := srv.Build(ctx, cfg)
			if err != nil {
				return err
			}

			id, err := orch.Submit(ctx, pipeline.StoryRequest{Intent: intent, Query: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "task %s submitted\n", id)

			deadline := time.After(wait)
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-deadline:
					_ = orch.Cancel(id)
					return fmt.Errorf("timed out after %s", wait)
				case <-ticker.C:
				}
				state, err := orch.Status(id)
				if err != nil {
					return err
				}
				if !state.Terminal() {
					continue
				}
				if state.Stage == pipeline.StateFailed {
					return fmt.Errorf("task failed: %s", state.Message)
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(state.Result)
			}
		},
	}
	story.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")
	story.Flags().StringVar(&intent, "intent", "story", "story or answer")
	story.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for completion")
	return story
}
