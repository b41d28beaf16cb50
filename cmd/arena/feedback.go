package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/pkg/client"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the backend offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, engine, err := setup()
		if err != nil {
			return err
		}
		defer engine.Close()

		catalog, err := engine.ListModels(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list models: %w", err)
		}
		fmt.Println(titleStyle.Render("Models"))
		for _, m := range catalog {
			state := successStyle.Render("active")
			if !m.Active {
				state = dimStyle.Render("inactive")
			}
			fmt.Printf("  %-28s  %-10s  %-8s  %s\n", m.ID, m.Provider, state, dimStyle.Render(strings.Join(m.Capabilities, ",")))
		}
		return nil
	},
}

var (
	rateMessage    string
	rateScore      int
	ratePrefer     string
	rateReport     string
	rateComment    string
	rateCategories []string
)

var rateCmd = &cobra.Command{
	Use:   "rate <session-id>",
	Short: "Rate a reply, pick the better model or report a problem",
	Long: `Record feedback for a session. Use --score for a 1 to 5 rating of the
session or of one reply (--message), --prefer to name the model that
answered better, or --report to flag a problem.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fb, err := feedbackFromFlags(args[0], rateMessage, rateScore, ratePrefer, rateReport, rateComment, rateCategories)
		if err != nil {
			return err
		}
		_, engine, err := setup()
		if err != nil {
			return err
		}
		defer engine.Close()

		saved, err := engine.SubmitFeedback(cmd.Context(), fb)
		if err != nil {
			return fmt.Errorf("failed to submit feedback: %w", err)
		}
		fmt.Println(successStyle.Render("Recorded " + string(saved.Type) + " feedback"))
		return nil
	},
}

func init() {
	rateCmd.Flags().StringVar(&rateMessage, "message", "", "Reply the feedback is about")
	rateCmd.Flags().IntVar(&rateScore, "score", 0, "Rating from 1 to 5")
	rateCmd.Flags().StringVar(&ratePrefer, "prefer", "", "Id of the model that answered better")
	rateCmd.Flags().StringVar(&rateReport, "report", "", "Describe a problem with a reply")
	rateCmd.Flags().StringVar(&rateComment, "comment", "", "Free-form comment")
	rateCmd.Flags().StringSliceVar(&rateCategories, "category", nil, "Aspect the feedback is about; repeatable")
}

// feedbackFromFlags builds one feedback entry; exactly one of score,
// prefer and report picks its type
func feedbackFromFlags(sessionID, messageID string, score int, prefer, report, comment string, categories []string) (client.Feedback, error) {
	fb := client.Feedback{SessionID: sessionID, MessageID: messageID, Comment: comment, Categories: categories}
	set := 0
	if score != 0 {
		fb.Type, fb.Rating = client.FeedbackRating, score
		set++
	}
	if prefer != "" {
		fb.Type, fb.PreferredModelID = client.FeedbackPreference, prefer
		set++
	}
	if report != "" {
		fb.Type = client.FeedbackReport
		fb.Comment = strings.TrimSpace(report + "\n" + comment)
		set++
	}
	if set != 1 {
		return client.Feedback{}, fmt.Errorf("give exactly one of --score, --prefer or --report")
	}
	return fb, fb.Validate()
}

// latestReply returns the newest finished reply written by participant
func latestReply(view []client.Message, p client.Participant) (client.Message, bool) {
	for i := len(view) - 1; i >= 0; i-- {
		m := view[i]
		if m.Role == models.RoleAssistant && m.Participant == p && m.Status == models.StatusFinal {
			return m, true
		}
	}
	return client.Message{}, false
}

// chatCommand splits "/rate b 4" into its name and arguments
func chatCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	return fields[0], fields[1:]
}

func parseParticipant(arg string) (client.Participant, error) {
	switch p := client.Participant(strings.ToLower(arg)); p {
	case client.ParticipantA, client.ParticipantB:
		return p, nil
	}
	return "", fmt.Errorf("expected participant a or b, got %q", arg)
}

func parseScore(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > 5 {
		return 0, fmt.Errorf("score must be a number from 1 to 5")
	}
	return n, nil
}
