package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/sandboxd/pkg/client"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sandboxctl",
	Short:   "sandboxctl administers sandboxd projects, certificates, and tenant recovery",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:7070", "sandboxd admin API address")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the admin API (overrides SANDBOXCTL_TOKEN)")

	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(acmeCmd)
	rootCmd.AddCommand(adminCmd)
}

// newClient builds a client.Client from the --server/--token flags, falling
// back to SANDBOXCTL_TOKEN when --token is unset.
func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("SANDBOXCTL_TOKEN")
	}
	return client.NewClient(server, token)
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage sandbox projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new sandbox project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ownerEmail, _ := cmd.Flags().GetString("owner-email")
		notifyWebhook, _ := cmd.Flags().GetString("notify-webhook")
		idleMinutes, _ := cmd.Flags().GetInt("idle-minutes")

		c := newClient(cmd)
		state, err := c.CreateProject(context.Background(), name, client.CreateProjectOptions{
			OwnerEmail:    ownerEmail,
			NotifyWebhook: notifyWebhook,
			IdleMinutes:   idleMinutes,
		})
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}

		fmt.Printf("✓ Project created: %s\n", state.Name)
		fmt.Printf("  State: %s\n", state.State)
		return nil
	},
}

var projectGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show a project's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		c := newClient(cmd)
		state, err := c.GetProject(context.Background(), name)
		if err != nil {
			return fmt.Errorf("failed to get project: %w", err)
		}

		fmt.Printf("Project: %s\n", state.Name)
		fmt.Printf("  State: %s\n", state.State)
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Destroy a project's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		c := newClient(cmd)
		state, err := c.DeleteProject(context.Background(), name)
		if err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}

		fmt.Printf("✓ Project %s: %s\n", name, state)
		return nil
	},
}

var projectEventsCmd = &cobra.Command{
	Use:   "events NAME",
	Short: "List recent audit events for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		c := newClient(cmd)
		events, err := c.ListEvents(context.Background(), name)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		if len(events) == 0 {
			fmt.Println("No events found")
			return nil
		}

		fmt.Printf("%-30s %-20s %s\n", "TIME", "KIND", "DETAIL")
		for _, ev := range events {
			fmt.Printf("%-30s %-20s %s\n", ev.At.Format("2006-01-02T15:04:05Z07:00"), ev.Kind, ev.Detail)
		}
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectGetCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectEventsCmd)

	projectCreateCmd.Flags().String("owner-email", "", "owner email recorded against the project")
	projectCreateCmd.Flags().String("notify-webhook", "", "webhook URL notified when the sandbox enters the errored phase")
	projectCreateCmd.Flags().Int("idle-minutes", 30, "minutes of inactivity before the sandbox is put to sleep")
}

var acmeCmd = &cobra.Command{
	Use:   "acme",
	Short: "Manage ACME accounts and certificates",
}

var acmeRegisterCmd = &cobra.Command{
	Use:   "register EMAIL",
	Short: "Register an ACME account for certificate issuance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		c := newClient(cmd)
		if err := c.CreateACMEAccount(context.Background(), email); err != nil {
			return fmt.Errorf("failed to register ACME account: %w", err)
		}

		fmt.Printf("✓ ACME account registered: %s\n", email)
		return nil
	},
}

var acmeRequestCmd = &cobra.Command{
	Use:   "request NAME FQDN",
	Short: "Request a certificate for a project's custom domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, fqdn := args[0], args[1]
		challengeType, _ := cmd.Flags().GetString("challenge")

		c := newClient(cmd)
		cert, err := c.RequestCertificate(context.Background(), name, fqdn, challengeType)
		if err != nil {
			return fmt.Errorf("failed to request certificate: %w", err)
		}

		fmt.Printf("✓ Certificate issued for %s\n", cert.FQDN)
		fmt.Printf("  Expires: %s\n", cert.NotAfter.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

func init() {
	acmeRequestCmd.Flags().String("challenge", "http-01", "ACME challenge type to solve: http-01 or dns-01")
	acmeCmd.AddCommand(acmeRegisterCmd)
	acmeCmd.AddCommand(acmeRequestCmd)
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator maintenance commands",
}

var adminReviveCmd = &cobra.Command{
	Use:   "revive",
	Short: "Retry every tenant stuck in the errored phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		revived, err := c.Revive(context.Background())
		if err != nil {
			return fmt.Errorf("failed to revive tenants: %w", err)
		}

		if len(revived) == 0 {
			fmt.Println("No errored tenants to revive")
			return nil
		}

		fmt.Printf("✓ Revived %d tenant(s):\n", len(revived))
		for _, name := range revived {
			fmt.Printf("  %s\n", name)
		}
		return nil
	},
}

func init() {
	adminCmd.AddCommand(adminReviveCmd)
}
