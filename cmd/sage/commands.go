package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sage-tutor/sage/internal/config"
	"github.com/sage-tutor/sage/internal/tutor"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the tutor a question",
	Long: `Ask the tutor a question and get a personalized answer.

Examples:
  sage ask --user u1 "What is a fraction?"
  sage ask --user u1 "Why is the sky blue?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		question := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/chat", map[string]string{
			"user_id":  user,
			"question": question,
		})
		if err != nil {
			return err
		}

		var answer tutor.TutorResponse
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		printTutorResponse(answer)
		return nil
	},
}

// --- guide ---

var guideCmd = &cobra.Command{
	Use:   "guide <question>",
	Short: "Work through a question step by step",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		question := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/chat/guided", map[string]string{
			"user_id":  user,
			"question": question,
		})
		if err != nil {
			return err
		}

		var result tutor.GuidedResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for i, step := range result.Steps {
			fmt.Printf("\n%s\n", colorize(colorBold, fmt.Sprintf("Step %d", i+1)))
			fmt.Printf("  %s\n", step.Answer)
			if !step.IsFinalAnswer && len(step.FollowupQuestions) > 0 {
				fmt.Printf("  %s %s\n", colorize(colorCyan, "?"), step.FollowupQuestions[0])
			}
		}
		fmt.Printf("\n%s %s\n", colorize(colorGreen, "Final:"), result.FinalAnswer)
		return nil
	},
}

func init() {
	askCmd.Flags().String("user", "", "student ID")
	guideCmd.Flags().String("user", "", "student ID")
}

func printTutorResponse(r tutor.TutorResponse) {
	fmt.Println(r.Answer)
	if len(r.Steps) > 0 {
		fmt.Printf("\n%s\n", colorize(colorBold, "Steps"))
		for i, s := range r.Steps {
			fmt.Printf("  %d. %s\n", i+1, s)
		}
	}
	if len(r.FollowupQuestions) > 0 {
		fmt.Printf("\n%s\n", colorize(colorBold, "Follow-up questions"))
		for _, q := range r.FollowupQuestions {
			fmt.Printf("  - %s\n", q)
		}
	}
	if len(r.KeyConcepts) > 0 {
		fmt.Printf("\n%s %s\n", colorize(colorBold, "Key concepts:"), strings.Join(r.KeyConcepts, ", "))
	}
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage student profiles",
}

var profileCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a student profile",
	Long: `Create a student profile.

Example:
  sage profile create --name Asha --age 10 --grade "Grade 5" --subjects math,science --goals "get better at fractions" --hints`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		age, _ := cmd.Flags().GetInt("age")
		grade, _ := cmd.Flags().GetString("grade")
		subjectsStr, _ := cmd.Flags().GetString("subjects")
		goals, _ := cmd.Flags().GetString("goals")
		hints, _ := cmd.Flags().GetBool("hints")

		if name == "" {
			return fmt.Errorf("--name is required")
		}

		subjects := []string{}
		if subjectsStr != "" {
			for _, s := range strings.Split(subjectsStr, ",") {
				subjects = append(subjects, strings.TrimSpace(s))
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/profile", map[string]any{
			"username":           name,
			"age":                age,
			"standard":           grade,
			"favourite_subjects": subjects,
			"learning_goals":     goals,
			"give_hints":         hints,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Created profile %s", result["id"])
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a student profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/profile/" + args[0])
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(profile)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <user-id> <field> <value>",
	Short: "Update one profile field",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, field, value := args[0], args[1], args[2]

		patch := map[string]any{}
		switch field {
		case "age":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("age must be a number: %w", err)
			}
			patch[field] = n
		case "give_hints":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("give_hints must be true or false: %w", err)
			}
			patch[field] = b
		case "favourite_subjects":
			var subjects []string
			for _, s := range strings.Split(value, ",") {
				subjects = append(subjects, strings.TrimSpace(s))
			}
			patch[field] = subjects
		case "username", "standard", "learning_goals":
			patch[field] = value
		default:
			return fmt.Errorf("unknown profile field: %q", field)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch("/profile/"+userID, patch)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s", field, value)
		return nil
	},
}

func init() {
	profileCreateCmd.Flags().String("name", "", "student name")
	profileCreateCmd.Flags().Int("age", 0, "student age")
	profileCreateCmd.Flags().String("grade", "", "school grade, e.g. \"Grade 5\"")
	profileCreateCmd.Flags().String("subjects", "", "comma-separated favourite subjects")
	profileCreateCmd.Flags().String("goals", "", "learning goals")
	profileCreateCmd.Flags().Bool("hints", false, "guide with hints instead of direct answers")

	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage interest history",
}

var historyAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Record an interest for future personalization",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		content := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/history", map[string]string{
			"user_id": user,
			"content": content,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded interest %s", result["id"])
		return nil
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded interests",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/history?user_id=" + user)
		if err != nil {
			return err
		}

		var entries []struct {
			ID        string `json:"id"`
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No interests recorded.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, e.ID[:8]), e.CreatedAt, e.Content)
		}
		return nil
	},
}

func init() {
	historyAddCmd.Flags().String("user", "", "student ID")
	historyListCmd.Flags().String("user", "", "student ID")
	historyCmd.AddCommand(historyAddCmd)
	historyCmd.AddCommand(historyListCmd)
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List recent conversation turns",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(fmt.Sprintf("/conversations?user_id=%s&limit=%d", user, limit))
		if err != nil {
			return err
		}

		var turns []struct {
			Role      string `json:"role"`
			Message   string `json:"message"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		if len(turns) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, t := range turns {
			msg := t.Message
			if len(msg) > 100 {
				msg = msg[:100] + "..."
			}
			fmt.Printf("%s  %s  %s\n", t.CreatedAt, colorize(colorBold, t.Role), msg)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().String("user", "", "student ID")
	conversationsCmd.Flags().Int("limit", 20, "maximum number of turns to list")
}

// --- path ---

var pathCmd = &cobra.Command{
	Use:   "path",
	Short: "Generate and list learning paths",
}

var pathCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a weekly study plan",
	Long: `Generate a weekly study plan, optionally following a PDF syllabus.

Examples:
  sage path create --user u1 --subject math --period "4 weeks"
  sage path create --user u1 --subject science --period "8 weeks" --syllabus ./syllabus.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		subject, _ := cmd.Flags().GetString("subject")
		period, _ := cmd.Flags().GetString("period")
		syllabus, _ := cmd.Flags().GetString("syllabus")

		if user == "" || subject == "" || period == "" {
			return fmt.Errorf("--user, --subject, and --period are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp *http.Response
		if syllabus != "" {
			resp, err = client.postSyllabus(user, subject, period, syllabus)
		} else {
			resp, err = client.post("/paths", map[string]string{
				"user_id":     user,
				"subject":     subject,
				"time_period": period,
			})
		}
		if err != nil {
			return err
		}

		var lp struct {
			ID   string `json:"id"`
			Plan string `json:"plan"`
		}
		if err := decodeJSON(resp, &lp); err != nil {
			return err
		}

		printSuccess("Generated learning path %s", lp.ID)
		printPlan(lp.Plan)
		return nil
	},
}

var pathListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved learning paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/paths?user_id=" + user)
		if err != nil {
			return err
		}

		var paths []struct {
			ID         string `json:"id"`
			Subject    string `json:"subject"`
			TimePeriod string `json:"time_period"`
			CreatedAt  string `json:"created_at"`
		}
		if err := decodeJSON(resp, &paths); err != nil {
			return err
		}

		if len(paths) == 0 {
			fmt.Println("No learning paths found.")
			return nil
		}

		for _, p := range paths {
			fmt.Printf("%s  %s  %s (%s)\n",
				colorize(colorCyan, p.ID[:8]), p.CreatedAt, p.Subject, p.TimePeriod)
		}
		return nil
	},
}

func init() {
	pathCreateCmd.Flags().String("user", "", "student ID")
	pathCreateCmd.Flags().String("subject", "", "subject to plan for")
	pathCreateCmd.Flags().String("period", "", "time period, e.g. \"4 weeks\"")
	pathCreateCmd.Flags().String("syllabus", "", "path to a PDF syllabus to follow")
	pathListCmd.Flags().String("user", "", "student ID")

	pathCmd.AddCommand(pathCreateCmd)
	pathCmd.AddCommand(pathListCmd)
}

// postSyllabus uploads a PDF syllabus alongside the plan parameters.
func (c *apiClient) postSyllabus(user, subject, period, syllabusPath string) (*http.Response, error) {
	data, err := os.ReadFile(syllabusPath)
	if err != nil {
		return nil, fmt.Errorf("reading syllabus: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("user_id", user)
	mw.WriteField("subject", subject)
	mw.WriteField("time_period", period)
	part, err := mw.CreateFormFile("syllabus", filepath.Base(syllabusPath))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", c.baseURL+"/paths/syllabus", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable — is sage running? (%w)", err)
	}
	return resp, nil
}

func printPlan(planJSON string) {
	var plan struct {
		Weeks []struct {
			Week   int      `json:"week"`
			Topics []string `json:"topics"`
			Goals  []string `json:"goals"`
		} `json:"weeks"`
	}
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		fmt.Println(planJSON)
		return
	}
	for _, w := range plan.Weeks {
		fmt.Printf("\n%s\n", colorize(colorBold, fmt.Sprintf("Week %d", w.Week)))
		fmt.Printf("  Topics: %s\n", strings.Join(w.Topics, ", "))
		if len(w.Goals) > 0 {
			fmt.Printf("  Goals:  %s\n", strings.Join(w.Goals, ", "))
		}
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
