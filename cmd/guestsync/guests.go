package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/guestlist-app/guestsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// guests list
	guestsListJSON bool

	// guests add
	guestsAddPhone   string
	guestsAddEmail   string
	guestsAddGroup   string
	guestsAddInvited bool

	// groups list
	groupsListJSON bool

	// groups add
	groupsAddDescription string
)

func init() {
	guestsListCmd.Flags().BoolVar(&guestsListJSON, "json", false, "Output raw JSON")

	guestsAddCmd.Flags().StringVar(&guestsAddPhone, "phone", "", "Phone number")
	guestsAddCmd.Flags().StringVar(&guestsAddEmail, "email", "", "Email address")
	guestsAddCmd.Flags().StringVar(&guestsAddGroup, "group", "", "Group ID")
	guestsAddCmd.Flags().BoolVar(&guestsAddInvited, "invited", false, "Mark the guest as invited")

	groupsListCmd.Flags().BoolVar(&groupsListJSON, "json", false, "Output raw JSON")
	groupsAddCmd.Flags().StringVar(&groupsAddDescription, "description", "", "Group description")

	rootCmd.AddCommand(guestsCmd)
	guestsCmd.AddCommand(guestsListCmd, guestsAddCmd, guestsInviteCmd, guestsDeleteCmd)
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsListCmd, groupsAddCmd)
}

// ============================================================================
// guests
// ============================================================================

var guestsCmd = &cobra.Command{
	Use:   "guests",
	Short: "List and edit guests (queued while offline)",
}

var guestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List guests from the API, or the local cache when offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		guests, err := m.ListGuests(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if guestsListJSON {
			return printJSON(out, guests)
		}
		if !m.Online() {
			fmt.Fprintln(out, "(offline: showing cached guests)")
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPHONE\tEMAIL\tINVITED\tPENDING")
		for _, g := range guests {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
				g.ID, g.Name, g.Phone, g.Email, g.Invited, pendingMark(g.PendingSync))
		}
		return tw.Flush()
	},
}

var guestsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a guest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		g, err := m.AddGuest(cmd.Context(), guestsync.GuestInput{
			Name:    args[0],
			Phone:   guestsAddPhone,
			Email:   guestsAddEmail,
			Group:   guestsAddGroup,
			Invited: guestsAddInvited,
		})
		if err != nil {
			return err
		}
		reportWrite(cmd.OutOrStdout(), "Added guest", g.ID, g.PendingSync)
		return nil
	},
}

var guestsInviteCmd = &cobra.Command{
	Use:   "invite <guest-id>...",
	Short: "Mark one or more guests as invited",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		data := map[string]any{"invited": true}
		if len(args) == 1 {
			if _, err := m.UpdateGuest(cmd.Context(), args[0], data); err != nil {
				return err
			}
		} else if _, err := m.BulkUpdateGuests(cmd.Context(), args, data); err != nil {
			return err
		}
		n, _ := m.PendingCount(cmd.Context())
		reportWrite(cmd.OutOrStdout(), fmt.Sprintf("Invited %d guest(s)", len(args)), "", n > 0 && !m.Online())
		return nil
	},
}

var guestsDeleteCmd = &cobra.Command{
	Use:   "delete <guest-id>",
	Short: "Delete a guest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.DeleteGuest(cmd.Context(), args[0]); err != nil {
			return err
		}
		reportWrite(cmd.OutOrStdout(), "Deleted guest", args[0], !m.Online())
		return nil
	},
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List and create guest groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups from the API, or the local cache when offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		groups, err := m.ListGroups(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if groupsListJSON {
			return printJSON(out, groups)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION\tPENDING")
		for _, g := range groups {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.ID, g.Name, g.Description, pendingMark(g.PendingSync))
		}
		return tw.Flush()
	},
}

var groupsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a guest group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		g, err := m.CreateGroup(cmd.Context(), guestsync.GroupInput{
			Name:        args[0],
			Description: groupsAddDescription,
		})
		if err != nil {
			return err
		}
		reportWrite(cmd.OutOrStdout(), "Created group", g.ID, g.PendingSync)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pendingMark(pending bool) string {
	if pending {
		return "yes"
	}
	return ""
}

func reportWrite(out io.Writer, what, id string, queued bool) {
	if id != "" {
		what += " " + id
	}
	if queued {
		fmt.Fprintf(out, "%s (saved offline, will sync when connected)\n", what)
		return
	}
	fmt.Fprintln(out, what)
}
