package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/ragmux/internal/api"
	"github.com/kalambet/ragmux/internal/config"
	"github.com/kalambet/ragmux/internal/docstore"
	"github.com/kalambet/ragmux/internal/router"
	"github.com/kalambet/ragmux/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Ask a question",
	Long: `Ask the running server a question. The query is routed automatically.

Examples:
  ragmux ask "파이썬으로 퀵소트를 구현해줘"
  ragmux ask "what changed in the 2024 report?" --trace
  ragmux ask "" --image ./diagram.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath, _ := cmd.Flags().GetString("image")
		showTrace, _ := cmd.Flags().GetBool("trace")

		req := api.QueryRequest{Query: strings.Join(args, " ")}
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			req.Image = base64.StdEncoding.EncodeToString(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := askQuery(cmd.Context(), client, req)
		if err != nil {
			return err
		}

		fmt.Println(resp.Answer)
		if showTrace {
			printTrace(resp)
		}
		return nil
	},
}

func askQuery(ctx context.Context, client *apiClient, req api.QueryRequest) (api.QueryResponse, error) {
	resp, err := client.post(ctx, "/v1/query", req)
	if err != nil {
		return api.QueryResponse{}, err
	}
	var out api.QueryResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.QueryResponse{}, err
	}
	return out, nil
}

func printTrace(resp api.QueryResponse) {
	tr := resp.Trace
	printStatus("Route", "%s", tr.Route)
	if tr.Model != "" {
		printStatus("Model", "%s", tr.Model)
	}
	states := make([]string, len(tr.States))
	for i, s := range tr.States {
		states[i] = string(s)
	}
	printStatus("States", "%s", colorize(colorDim, strings.Join(states, " → ")))
	for _, s := range tr.Slots {
		if s.OK {
			printStatus("  "+s.Slot, "ok (%d chars)", s.Chars)
		} else {
			printStatus("  "+s.Slot, "%s", colorize(colorYellow, s.Error))
		}
	}
	if tr.Hits > 0 {
		printStatus("Hits", "%d", tr.Hits)
	}
	printStatus("Duration", "%dms", tr.DurationMs)
	if tr.Error != "" {
		printWarning("%s", tr.Error)
	}
}

func init() {
	askCmd.Flags().String("image", "", "image file to analyze with the query")
	askCmd.Flags().Bool("trace", false, "print how the query was routed")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.pdf>...",
	Short: "Upload PDF files into the document index",
	Long: `Upload PDF files to the running server. Files are queued and processed in
the background unless --wait is given.

Examples:
  ragmux ingest ./manual.pdf
  ragmux ingest --wait ./reports/*.pdf`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("at least one file is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		results, err := uploadFiles(cmd.Context(), client, args, wait)
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			detail := r.JobID
			switch {
			case r.Status == api.UploadIndexed:
				detail = fmt.Sprintf("%d chunks, %s", r.Chunks, r.Method)
			case r.Status == api.UploadDuplicate:
				detail = r.DocumentID
			case r.Reason != "":
				detail = r.Reason
				failed++
			}
			fmt.Printf("  %s %s %s\n", uploadLabel(r.Status), r.Filename, colorize(colorDim, detail))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(results))
		}
		return nil
	},
}

func uploadFiles(ctx context.Context, client *apiClient, files []string, wait bool) ([]api.UploadResult, error) {
	path := "/documents"
	if wait {
		path += "?sync=true"
	}
	resp, err := client.postFiles(ctx, path, files)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []api.UploadResult `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func init() {
	ingestCmd.Flags().Bool("wait", false, "ingest in the request and report the outcome")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect ingested documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/documents?"+q.Encode())
		if err != nil {
			return err
		}
		var docs []api.DocumentView
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("  %s  %-10s %4d chunks  %s  %s\n",
				colorize(colorDim, d.ID[:min(8, len(d.ID))]),
				statusLabel(d.Status),
				d.ChunkCount,
				d.UploadTime.Local().Format("2006-01-02 15:04"),
				d.Filename,
			)
		}
		return nil
	},
}

func statusLabel(status string) string {
	switch status {
	case storage.StatusCompleted:
		return colorize(colorGreen, fmt.Sprintf("%-10s", status))
	case storage.StatusFailed, storage.StatusMissing:
		return colorize(colorRed, fmt.Sprintf("%-10s", status))
	}
	return fmt.Sprintf("%-10s", status)
}

var docsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var d api.DocumentView
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		printStatus("ID", "%s", d.ID)
		printStatus("Filename", "%s", d.Filename)
		printStatus("Status", "%s", statusLabel(d.Status))
		printStatus("Uploaded", "%s", d.UploadTime.Local().Format("2006-01-02 15:04:05"))
		printStatus("Chunks", "%d", d.ChunkCount)
		printStatus("Characters", "%d", d.TotalChars)
		printStatus("Method", "%s", d.ProcessingMethod)
		printStatus("Content hash", "%s", d.ContentHash)
		if d.Error != "" {
			printStatus("Error", "%s", colorize(colorRed, d.Error))
		}
		return nil
	},
}

var docsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search document chunks without generating an answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents/search", api.SearchRequest{
			Query: strings.Join(args, " "),
			TopK:  limit,
		})
		if err != nil {
			return err
		}
		var hits []api.SearchHit
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}

		if len(hits) == 0 {
			fmt.Println("No matching chunks.")
			return nil
		}
		for i, h := range hits {
			fmt.Printf("%s %s #%d %s\n", colorize(colorBold, fmt.Sprintf("[%d]", i+1)), h.Filename, h.ChunkIndex, colorize(colorDim, fmt.Sprintf("(%.2f)", h.Score)))
			fmt.Println(indent(h.Text, "    "))
		}
		return nil
	},
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

var docsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the document registry as JSON",
	Long: `Export the document registry as JSON. Reads the database directly, so it
works whether or not the server is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		docs, err := docstore.Open(cmd.Context(), store)
		if err != nil {
			return err
		}

		writer := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}
		if err := docs.Export(writer); err != nil {
			return err
		}

		if output != "" {
			printSuccess("Registry exported to %s", output)
		}
		return nil
	},
}

func init() {
	docsListCmd.Flags().Int("limit", 50, "maximum number of documents")
	docsListCmd.Flags().String("status", "", "only documents with this status")
	docsSearchCmd.Flags().Int("limit", 5, "maximum number of chunks")
	docsExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsShowCmd)
	docsCmd.AddCommand(docsSearchCmd)
	docsCmd.AddCommand(docsExportCmd)
}

// --- maintenance ---

type reconcileResult struct {
	Checked  int              `json:"checked"`
	Issues   []docstore.Issue `json:"issues"`
	Degraded bool             `json:"degraded"`
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Cross-check the registry against stored files and the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/reconcile", nil)
		if err != nil {
			return err
		}
		var res reconcileResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if !res.Degraded {
			printSuccess("Checked %d documents, no issues", res.Checked)
			return nil
		}
		printWarning("Checked %d documents, %d issues", res.Checked, len(res.Issues))
		for _, is := range res.Issues {
			fmt.Printf("  %s %s %s\n", colorize(colorYellow, is.Kind), is.DocumentID, colorize(colorDim, is.Detail))
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete documents older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body any
		if days > 0 {
			body = api.CleanupRequest{Days: days}
		}
		resp, err := client.post(cmd.Context(), "/admin/cleanup", body)
		if err != nil {
			return err
		}
		var res struct {
			Removed []string `json:"removed"`
			Days    int      `json:"days"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Removed %d documents older than %d days", len(res.Removed), res.Days)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every document, chunk and stored file",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL documents. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Resetting document index...")
		resp, err := client.delete(cmd.Context(), "/documents?confirm=true")
		if err != nil {
			return err
		}
		var res map[string]string
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("All documents removed")
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("days", 0, "retention in days (default: storage.retention_days)")
	resetCmd.Flags().Bool("confirm", false, "confirm the reset")
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect query routing rules",
}

var rulesDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the built-in routing vocabulary as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := router.Marshal(router.DefaultVocabulary())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <query>",
	Short: "Show which route a query takes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withImage, _ := cmd.Flags().GetBool("image")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		classifier, err := router.Load(cfg.Router.RulesFile)
		if err != nil {
			return err
		}

		query := strings.Join(args, " ")
		printStatus("Route", "%s", classifier.Classify(query, withImage))
		if classifier.IsBroad(query) {
			printStatus("Scope", "whole corpus")
		}
		return nil
	},
}

func init() {
	rulesTestCmd.Flags().Bool("image", false, "classify as if an image were attached")
	rulesCmd.AddCommand(rulesDumpCmd)
	rulesCmd.AddCommand(rulesTestCmd)
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

		fmt.Println(colorize(colorDim, "# "+config.FilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
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

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
}
