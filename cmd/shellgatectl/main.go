// Command shellgatectl is an operator CLI for the approval server: list
// pending approvals, approve or reject by id, and show one pending
// approval request from a terminal — the same operations the HTTP UI
// exposes, for operators who prefer a shell.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "shellgatectl",
	Short: "Operate the shellgated approval server from a terminal",
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approval requests awaiting a decision",
	RunE:  runPending,
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-request-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runDecide(args[0], true) },
}

var rejectCmd = &cobra.Command{
	Use:   "reject <approval-request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runDecide(args[0], false) },
}

var statusCmd = &cobra.Command{
	Use:   "status <approval-request-id>",
	Short: "Show a pending approval request (decided requests are not found)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var decidedBy string
var reason string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("SHELLGATE_SERVER_URL"), "approval server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SHELLGATE_TOKEN"), "bearer token")

	approveCmd.Flags().StringVar(&decidedBy, "by", "operator", "name recorded as the decider")
	rejectCmd.Flags().StringVar(&decidedBy, "by", "operator", "name recorded as the decider")
	rejectCmd.Flags().StringVar(&reason, "reason", "", "rejection reason")

	rootCmd.AddCommand(pendingCmd, approveCmd, rejectCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.status, e.body)
}

func apiRequest(method, path string, body any) ([]byte, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("--server or SHELLGATE_SERVER_URL must be set")
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &httpError{status: resp.StatusCode, body: string(respBody)}
	}
	return respBody, nil
}

type bridgedJob struct {
	AsyncJobID        string   `json:"async_job_id"`
	ApprovalRequestID string   `json:"approval_request_id"`
	Command           string   `json:"command"`
	Args              []string `json:"args"`
	RiskScore         int      `json:"risk_score"`
	SubmittedAt       int64    `json:"submitted_at"`
}

func runPending(cmd *cobra.Command, args []string) error {
	data, err := apiRequest(http.MethodGet, "/api/requests/pending", nil)
	if err != nil {
		return err
	}
	var jobs []bridgedJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no pending approvals")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST ID\tRISK\tCOMMAND\tARGS")
	for _, j := range jobs {
		risk := fmt.Sprintf("%d", j.RiskScore)
		if j.RiskScore >= 7 {
			risk = color.RedString(risk)
		} else if j.RiskScore >= 4 {
			risk = color.YellowString(risk)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", j.ApprovalRequestID, risk, j.Command, j.Args)
	}
	return w.Flush()
}

func runDecide(approvalRequestID string, approved bool) error {
	path := fmt.Sprintf("/api/requests/%s/approve", approvalRequestID)
	if !approved {
		path = fmt.Sprintf("/api/requests/%s/reject", approvalRequestID)
	}
	_, err := apiRequest(http.MethodPost, path, map[string]string{"decidedBy": decidedBy, "reason": reason})
	if err != nil {
		return err
	}
	if approved {
		fmt.Println(color.GreenString("approved"), approvalRequestID)
	} else {
		fmt.Println(color.YellowString("rejected"), approvalRequestID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	data, err := apiRequest(http.MethodGet, "/api/requests/"+args[0], nil)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	return nil
}
