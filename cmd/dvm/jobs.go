package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/iago/llm-dvm/internal/domain"
)

var (
	apiURL       string
	apiToken     string
	outputFormat string

	listStatus    string
	listRequester string
	listKind      int
	listPage      int
	listPageSize  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job records through the admin API",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

type jobsPage struct {
	Items    []domain.JobRecord `json:"items"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

func init() {
	defaultURL := os.Getenv("DVM_API_URL")
	if defaultURL == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		defaultURL = "http://localhost:" + port
	}

	jobsCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "admin API base URL")
	jobsCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token (default API_AUTH_TOKEN)")
	jobsCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	jobsListCmd.Flags().StringVar(&listRequester, "requester", "", "filter by requester public key")
	jobsListCmd.Flags().IntVar(&listKind, "kind", 0, "filter by request kind")
	jobsListCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	jobsListCmd.Flags().IntVar(&listPageSize, "page-size", 20, "records per page")

	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if listStatus != "" {
		if _, ok := domain.ParseJobStatus(listStatus); !ok {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		query.Set("status", listStatus)
	}
	if listRequester != "" {
		query.Set("requester", listRequester)
	}
	if listKind > 0 {
		query.Set("kind", strconv.Itoa(listKind))
	}
	query.Set("page", strconv.Itoa(listPage))
	query.Set("page_size", strconv.Itoa(listPageSize))

	body, err := apiGet(cmd.Context(), "/v1/jobs?"+query.Encode())
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}

	var page jobsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return fmt.Errorf("decode jobs page: %w", err)
	}
	if len(page.Items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("ID", "Kind", "Status", "Requester", "Model", "Tokens", "Invoice", "Paid", "Created")
	for _, record := range page.Items {
		if err := table.Append(
			shortValue(record.ID, 8),
			strconv.Itoa(record.Kind),
			string(record.Status),
			shortValue(record.RequesterIdentity, 12),
			record.ModelUsed,
			optionalInt(record.TokensProcessed),
			optionalInt64(record.InvoiceAmountSats),
			optionalInt64(record.PaymentReceivedSats),
			record.CreatedAt.Local().Format(time.DateTime),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\npage %d, %d of %d jobs\n", page.Page, len(page.Items), page.Total)
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	body, err := apiGet(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}

	var record domain.JobRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Field", "Value")
	rows := [][]string{
		{"ID", record.ID},
		{"Request", record.JobRequestID},
		{"Requester", record.RequesterIdentity},
		{"Kind", strconv.Itoa(record.Kind)},
		{"Status", string(record.Status)},
		{"Input", record.InputSummary},
		{"Model", record.ModelUsed},
		{"Tokens", optionalInt(record.TokensProcessed)},
		{"Invoice sats", optionalInt64(record.InvoiceAmountSats)},
		{"Bolt11", record.InvoiceBolt11},
		{"Paid sats", optionalInt64(record.PaymentReceivedSats)},
		{"Result", record.ResultSummary},
		{"Error", record.ErrorDetail},
		{"Created", record.CreatedAt.Local().Format(time.RFC3339)},
		{"Updated", record.UpdatedAt.Local().Format(time.RFC3339)},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		if err := table.Append(row[0], row[1]); err != nil {
			return err
		}
	}
	return table.Render()
}

func apiGet(ctx context.Context, path string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(apiURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	token := apiToken
	if token == "" {
		token = os.Getenv("API_AUTH_TOKEN")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call admin api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read admin api response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
			return nil, fmt.Errorf("admin api returned %d: %s", resp.StatusCode, payload.Error.Message)
		}
		return nil, fmt.Errorf("admin api returned %d", resp.StatusCode)
	}
	return body, nil
}

func shortValue(value string, size int) string {
	if len(value) <= size {
		return value
	}
	return value[:size]
}

func optionalInt(value *int) string {
	if value == nil {
		return "-"
	}
	return strconv.Itoa(*value)
}

func optionalInt64(value *int64) string {
	if value == nil {
		return "-"
	}
	return strconv.FormatInt(*value, 10)
}
