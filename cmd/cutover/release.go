package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cutover/pkg/api"
	"github.com/cuemby/cutover/pkg/types"
)

var releaseCmd = &cobra.Command{
	Use:   "release SERVICE",
	Short: "Release a new image of a service",
	Long: `Release a new image of a service. The live task spec is kept and only
its image replaced. Blue/green services wait for approval on the test
listener; use "cutover approve" to cut over early.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		strategy, _ := cmd.Flags().GetString("strategy")
		wait, _ := cmd.Flags().GetBool("wait")
		if image == "" {
			return fmt.Errorf("--image is required")
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		resp, err := c.Release(context.Background(), args[0], api.ReleaseRequest{
			Image:    image,
			Strategy: types.Strategy(strategy),
		}, wait)
		if err != nil {
			return err
		}

		fmt.Printf("Deployment %s for %s: %s\n", resp.DeploymentID, resp.Service, resp.Status)
		if resp.Phase != "" {
			fmt.Printf("  Phase: %s\n", resp.Phase)
		}
		if resp.Error != "" {
			fmt.Printf("  Error: %s\n", resp.Error)
		}
		if wait && resp.Status != types.DeploymentSucceeded {
			return fmt.Errorf("release did not succeed")
		}
		return nil
	},
}

func init() {
	releaseCmd.Flags().String("image", "", "Image to release")
	releaseCmd.Flags().String("strategy", "", "Override the service's strategy (rolling, blue-green)")
	releaseCmd.Flags().Bool("wait", false, "Block until the release finishes")
}

var approveCmd = &cobra.Command{
	Use:   "approve DEPLOYMENT",
	Short: "Approve a blue/green deployment waiting on the test listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		dep, err := c.Approve(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Deployment %s approved (phase: %s)\n", dep.ID, dep.Phase)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback DEPLOYMENT",
	Short: "Roll a blue/green deployment back to the previous pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		c, err := newClient()
		if err != nil {
			return err
		}
		dep, err := c.Rollback(context.Background(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Rollback of deployment %s requested (phase: %s)\n", dep.ID, dep.Phase)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().String("reason", "manual rollback", "Reason recorded on the deployment")
}

var statusCmd = &cobra.Command{
	Use:   "status [DEPLOYMENT]",
	Short: "Show deployments, or one deployment's history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if len(args) == 1 {
			dep, err := c.Deployment(ctx, args[0])
			if err != nil {
				return err
			}
			printDeployment(dep)
			return nil
		}

		services, err := c.Services(ctx)
		if err != nil {
			return err
		}
		listeners, err := c.Listeners(ctx)
		if err != nil {
			return err
		}
		deployments, err := c.Deployments(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTRATEGY\tREPLICAS\tIMAGE\tACTIVE POOL")
		for _, s := range services {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.Name, s.Strategy, s.DesiredCount, s.TaskSpec.Image, s.ActivePool)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "LISTENER\tADDR\tPOOL\tTEST")
		for _, l := range listeners {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", l.Name, l.Addr, l.ActivePool, l.Test)
		}
		if len(deployments) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "DEPLOYMENT\tSERVICE\tPHASE\tAGE")
			for _, d := range deployments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Service, d.Phase, time.Since(d.CreatedAt).Round(time.Second))
			}
		}
		return w.Flush()
	},
}

func printDeployment(dep *types.Deployment) {
	fmt.Printf("Deployment %s\n", dep.ID)
	fmt.Printf("  Service: %s (%s)\n", dep.Service, dep.Strategy)
	fmt.Printf("  Status: %s\n", dep.Status)
	fmt.Printf("  Phase: %s\n", dep.Phase)
	if dep.TaskSpec != nil {
		fmt.Printf("  Image: %s\n", dep.TaskSpec.Image)
	}
	if dep.ToPool != "" {
		fmt.Printf("  Pools: %s -> %s\n", dep.FromPool, dep.ToPool)
	}
	if dep.Error != "" {
		fmt.Printf("  Error: %s\n", dep.Error)
	}
	if dep.Reason != "" {
		fmt.Printf("  Rollback reason: %s\n", dep.Reason)
	}
	fmt.Println("  History:")
	for _, h := range dep.History {
		fmt.Printf("    %s  %-22s %s\n", h.At.Format(time.RFC3339), h.Phase, h.Message)
	}
}

var triggerCmd = &cobra.Command{
	Use:   "trigger PIPELINE",
	Short: "Run a pipeline for a commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repository")
		branch, _ := cmd.Flags().GetString("branch")
		commit, _ := cmd.Flags().GetString("commit")
		if commit == "" {
			return fmt.Errorf("--commit is required")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.Trigger(context.Background(), args[0], types.SourceEvent{
			Repository: repo,
			Branch:     branch,
			Commit:     commit,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pipeline %s queued for %s\n", resp.Pipeline, resp.Event.Commit)
		return nil
	},
}

func init() {
	triggerCmd.Flags().String("repository", "", "Repository of the change (defaults to the pipeline's)")
	triggerCmd.Flags().String("branch", "", "Branch of the change (defaults to the pipeline's)")
	triggerCmd.Flags().String("commit", "", "Commit to build")
}
