package cli

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/platinummonkey/tether/pkg/api"
	"github.com/platinummonkey/tether/pkg/httputil"
)

type registerOptions struct {
	registry   string
	group      string
	file       string
	schemaType string
	format     string
	actor      string
	timeout    time.Duration
}

func newRegisterCommand() *Command {
	cmd := &Command{
		Name:        "register",
		Description: "Register a schema with a running registry",
		Flags:       flag.NewFlagSet("register", flag.ContinueOnError),
		Run:         runRegister,
	}
	bindRegisterFlags(cmd.Flags, &registerOptions{})
	return cmd
}

func bindRegisterFlags(fs *flag.FlagSet, opts *registerOptions) {
	fs.StringVar(&opts.registry, "registry", "http://localhost:8080", "Registry URL")
	fs.StringVar(&opts.group, "group", "", "Schema group (required)")
	fs.StringVar(&opts.file, "file", "", "Schema file (required)")
	fs.StringVar(&opts.schemaType, "type", "", "Schema type")
	fs.StringVar(&opts.format, "format", "", "Serialization format; the group format when empty")
	fs.StringVar(&opts.actor, "actor", "", "Caller recorded in group history")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
}

func runRegister(args []string) error {
	var opts registerOptions
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	bindRegisterFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.group == "" || opts.file == "" {
		return fmt.Errorf("--group and --file are required")
	}

	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	res, err := registerSchema(ctx, &http.Client{}, opts, api.SchemaRequest{
		Type:                opts.schemaType,
		SerializationFormat: opts.format,
		Schema:              string(data),
	})
	if err != nil {
		return err
	}

	switch {
	case !res.Verdict.Admitted:
		fmt.Fprintf(stdout, "Rejected: %s\n", res.Verdict.Reason)
		return ErrIncompatible
	case res.Existing:
		fmt.Fprintf(stdout, "Already registered as %s\n", res.Version)
	default:
		fmt.Fprintf(stdout, "Registered %s\n", res.Version)
	}
	return nil
}

// registerSchema posts req and decodes the registration result. A rejected
// candidate is a result, not an error.
func registerSchema(ctx context.Context, client *http.Client, opts registerOptions, req api.SchemaRequest) (api.RegisterResponse, error) {
	var res api.RegisterResponse

	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/groups/%s/schemas", strings.TrimSuffix(opts.registry, "/"), url.PathEscape(opts.group))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if opts.actor != "" {
		httpReq.Header.Set(httputil.ActorHeader, opts.actor)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return res, fmt.Errorf("failed to register schema: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("failed to read response: %w", err)
	}

	var apiErr httputil.ErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error != "" {
		return res, fmt.Errorf("registry returned %s: %s", resp.Status, apiErr.Error)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		if err := json.Unmarshal(payload, &res); err != nil {
			return res, fmt.Errorf("failed to decode response: %w", err)
		}
		return res, nil
	}
	return res, fmt.Errorf("registry returned %s", resp.Status)
}
