package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aigoflow/arena/pkg/client"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List your sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, engine, err := setup()
		if err != nil {
			return err
		}
		defer engine.Close()

		sessions, err := engine.ListSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println(dimStyle.Render("No sessions yet; start one with: arena new"))
			return nil
		}

		fmt.Println(titleStyle.Render("Sessions"))
		for _, s := range sessions {
			fmt.Printf("  %-36s  %-8s  %-30s  %s\n", s.ID, s.Mode, modelsOf(s), dimStyle.Render(s.Title))
		}
		return nil
	},
}

var (
	newMode   string
	newModelA string
	newModelB string
	newTitle  string
)

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session",
	Long: `Create a session. Direct mode takes --model-a and compare mode takes
both models; slots left empty are filled from the backend's catalog.
Random mode takes none and lets the backend pick.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, engine, err := setup()
		if err != nil {
			return err
		}
		defer engine.Close()

		session := client.Session{Mode: client.Mode(newMode), Title: newTitle}
		if newModelA != "" {
			session.ModelA = &client.ModelRef{ID: newModelA, Name: newModelA}
		}
		if newModelB != "" {
			session.ModelB = &client.ModelRef{ID: newModelB, Name: newModelB}
		}
		if session.Mode != client.ModeRandom && session.ModelA == nil {
			// No models named: take them from the backend's catalog
			catalog, err := engine.ListModels(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list models: %w", err)
			}
			session = fillFromCatalog(session, catalog)
		}

		created, err := engine.CreateSession(cmd.Context(), session)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		fmt.Println(successStyle.Render("Created " + string(created.Mode) + " session"))
		fmt.Println(created.ID)
		return nil
	},
}

func init() {
	newCmd.Flags().StringVar(&newMode, "mode", "direct", "Session mode: direct, compare or random")
	newCmd.Flags().StringVar(&newModelA, "model-a", "", "Model for participant A")
	newCmd.Flags().StringVar(&newModelB, "model-b", "", "Model for participant B")
	newCmd.Flags().StringVar(&newTitle, "title", "", "Session title")
}

// fillFromCatalog assigns the first active catalog models to the slots
// the session's mode needs and that are still empty
func fillFromCatalog(s client.Session, catalog []client.ModelInfo) client.Session {
	var active []client.ModelInfo
	for _, m := range catalog {
		if m.Active && (s.ModelA == nil || m.ID != s.ModelA.ID) && (s.ModelB == nil || m.ID != s.ModelB.ID) {
			active = append(active, m)
		}
	}
	take := func() *client.ModelRef {
		if len(active) == 0 {
			return nil
		}
		ref := active[0].Ref()
		active = active[1:]
		return ref
	}
	if s.ModelA == nil {
		s.ModelA = take()
	}
	if s.Mode == client.ModeCompare && s.ModelB == nil {
		s.ModelB = take()
	}
	return s
}

func modelsOf(s client.Session) string {
	switch {
	case s.Mode == client.ModeRandom:
		return "(hidden)"
	case s.ModelA != nil && s.ModelB != nil:
		return s.ModelA.ID + " vs " + s.ModelB.ID
	case s.ModelA != nil:
		return s.ModelA.ID
	}
	return "-"
}
