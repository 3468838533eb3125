package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"hearth/internal/approvals"
	"hearth/internal/auth"
	"hearth/internal/config"
	"hearth/internal/db"
	"hearth/internal/envelope"
	"hearth/internal/logging"
	"hearth/internal/secrets"
)

const (
	defaultMasterKeyEnv   = "HEARTH_MASTER_KEY"
	defaultTokenSecretEnv = "HEARTH_APPROVAL_TOKEN_SECRET"
	defaultStreamEnv      = "HEARTH_STREAM_JWT_SECRET"
)

var version = "dev"
var commit = ""

func main() {
	logging.Init("assistantctl", nil)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fatalf("assistantctl: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var readFile = os.ReadFile
var getenv = os.Getenv
var loadConfig = config.LoadConfig
var newDB = db.NewDB
var listAuditEvents = func(ctx context.Context, d *db.DB, workspaceID string, limit int) ([]byte, error) {
	return d.ListAuditEvents(ctx, workspaceID, limit)
}
var newGatewayClient = func(baseURL, token string) *gatewayClient {
	return &gatewayClient{BaseURL: baseURL, Token: token}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("command required")
	}
	switch args[0] {
	case "-h", "--help", "help":
		writeUsage(out)
		return nil
	case "--version", "version":
		v := version
		if strings.TrimSpace(commit) != "" {
			v = v + " (" + commit + ")"
		}
		_, _ = fmt.Fprintln(out, v)
		return nil
	}
	switch args[0] {
	case "seal":
		return runSeal(args[1:], out)
	case "unseal":
		return runUnseal(args[1:], out)
	case "token":
		return runToken(args[1:], out)
	case "envelope":
		return runEnvelope(args[1:], out)
	case "stream":
		return runStream(args[1:], out)
	case "approvals":
		return runApprovals(args[1:], out)
	case "audit":
		return runAudit(args[1:], out)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func writeUsage(out io.Writer) {
	_, _ = fmt.Fprintln(out, "Usage: assistantctl <command> [subcommand] [flags]")
	_, _ = fmt.Fprintln(out, "")
	_, _ = fmt.Fprintln(out, "Commands: seal, unseal, token, envelope, stream, approvals, audit")
	_, _ = fmt.Fprintln(out, "Global flags: --help, --version")
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// keyFlags resolves the master key from a config file when one is given,
// otherwise from the individual flags.
type keyFlags struct {
	config  *string
	envVar  *string
	keyFile *string
	fileKey *string
}

func addKeyFlags(fs *flag.FlagSet) keyFlags {
	return keyFlags{
		config:  fs.String("config", "", "path to config JSON (uses its secrets section)"),
		envVar:  fs.String("key-env", defaultMasterKeyEnv, "environment variable holding the master key"),
		keyFile: fs.String("key-file", "", "KEY=VALUE file holding the master key"),
		fileKey: fs.String("key-name", "", "entry name in the key file"),
	}
}

func (k keyFlags) resolve() (string, error) {
	src := secrets.KeySource{EnvVar: *k.envVar, KeyFile: *k.keyFile, FileKey: *k.fileKey}
	if strings.TrimSpace(*k.config) != "" {
		cfg, err := loadConfig(*k.config)
		if err != nil {
			return "", err
		}
		src = secrets.KeySource{
			EnvVar:  cfg.Secrets.MasterKeyEnv,
			KeyFile: cfg.Secrets.MasterKeyFile,
			FileKey: cfg.Secrets.MasterKeyFileKey,
		}
	}
	return secrets.ResolveMasterKey(src)
}

func runSeal(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	value := fs.String("value", "", "plaintext or @file")
	keys := addKeyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *value == "" {
		return errors.New("value required")
	}
	plain, err := readInput(*value)
	if err != nil {
		return err
	}
	key, err := keys.resolve()
	if err != nil {
		return err
	}
	enc, err := secrets.EncryptSecret(string(plain), key)
	if err != nil {
		return err
	}
	return writeJSON(out, enc)
}

func runUnseal(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("unseal", flag.ContinueOnError)
	input := fs.String("input", "", "sealed secret JSON or @file")
	keys := addKeyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("input required")
	}
	var enc secrets.EncryptedSecret
	if err := parseJSONInput(*input, &enc); err != nil {
		return err
	}
	key, err := keys.resolve()
	if err != nil {
		return err
	}
	plain, err := secrets.DecryptSecret(enc, key)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, plain)
	return nil
}

func runToken(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("token subcommand required")
	}
	if isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: assistantctl token <issue|verify> [flags]")
		return nil
	}
	switch args[0] {
	case "issue":
		return runTokenIssue(args[1:], out)
	case "verify":
		return runTokenVerify(args[1:], out)
	default:
		return fmt.Errorf("unknown token command: %s", args[0])
	}
}

// tokenSecret reads the approval token secret from the config file when given,
// otherwise from the named environment variable.
func tokenSecret(configPath, envName string) ([]byte, error) {
	var secret string
	if strings.TrimSpace(configPath) != "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		secret = cfg.ApprovalTokenSecret()
	} else {
		secret = strings.TrimSpace(getenv(envName))
	}
	if secret == "" {
		return nil, errors.New("approval token secret not configured")
	}
	return []byte(secret), nil
}

func runTokenIssue(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
	envelopeID := fs.String("envelope", "", "envelope id")
	workspace := fs.String("workspace", "", "workspace id")
	user := fs.String("user", "", "approving user id")
	ttl := fs.Int("ttl", approvals.DefaultTokenTTLSeconds, "token ttl in seconds")
	configPath := fs.String("config", "", "path to config JSON")
	secretEnv := fs.String("secret-env", defaultTokenSecretEnv, "environment variable holding the token secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *envelopeID == "" || *workspace == "" || *user == "" {
		return errors.New("envelope, workspace and user required")
	}
	secret, err := tokenSecret(*configPath, *secretEnv)
	if err != nil {
		return err
	}
	tok, err := approvals.CreateApprovalToken(*envelopeID, *workspace, *user, secret, *ttl)
	if err != nil {
		return err
	}
	return writeJSON(out, tok)
}

type tokenVerifyOutput struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func runTokenVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token verify", flag.ContinueOnError)
	input := fs.String("token", "", "approval token JSON or @file")
	configPath := fs.String("config", "", "path to config JSON")
	secretEnv := fs.String("secret-env", defaultTokenSecretEnv, "environment variable holding the token secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("token required")
	}
	var tok approvals.ApprovalToken
	if err := parseJSONInput(*input, &tok); err != nil {
		return err
	}
	secret, err := tokenSecret(*configPath, *secretEnv)
	if err != nil {
		return err
	}
	res := approvals.VerifyApprovalToken(tok, secret)
	report := tokenVerifyOutput{Valid: res.Valid, Reason: res.Reason}
	if exp, err := tok.ExpiresAt(); err == nil {
		report.ExpiresAt = exp.UTC().Format(time.RFC3339)
	}
	if err := writeJSON(out, report); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("token invalid: %s", res.Reason)
	}
	return nil
}

func runEnvelope(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("envelope subcommand required")
	}
	if isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: assistantctl envelope <hash|verify> -input <json|@file>")
		return nil
	}
	switch args[0] {
	case "hash":
		return runEnvelopeHash(args[1:], out)
	case "verify":
		return runEnvelopeVerify(args[1:], out)
	default:
		return fmt.Errorf("unknown envelope command: %s", args[0])
	}
}

func envelopeInput(name string, args []string) ([]byte, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	input := fs.String("input", "", "envelope JSON or @file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *input == "" {
		return nil, errors.New("input required")
	}
	return readInput(*input)
}

// runEnvelopeHash prints the audit hash of the envelope's content. The stored
// auditHash, if any, is ignored.
func runEnvelopeHash(args []string, out io.Writer) error {
	data, err := envelopeInput("envelope hash", args)
	if err != nil {
		return err
	}
	var env envelope.ActionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	hash, err := envelope.ComputeHash(env)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, hash)
	return nil
}

func runEnvelopeVerify(args []string, out io.Writer) error {
	data, err := envelopeInput("envelope verify", args)
	if err != nil {
		return err
	}
	env, err := envelope.Validate(data)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "ok %s %s\n", env.EnvelopeID, env.AuditHash)
	return nil
}

func runStream(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("stream subcommand required")
	}
	if isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: assistantctl stream token -user <id> -workspace <id> [flags]")
		return nil
	}
	if args[0] != "token" {
		return fmt.Errorf("unknown stream command: %s", args[0])
	}
	fs := flag.NewFlagSet("stream token", flag.ContinueOnError)
	user := fs.String("user", "", "user id (token subject)")
	workspace := fs.String("workspace", "", "workspace id")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	configPath := fs.String("config", "", "path to config JSON")
	secretEnv := fs.String("secret-env", defaultStreamEnv, "environment variable holding the stream secret")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *user == "" || *workspace == "" {
		return errors.New("user and workspace required")
	}
	authCfg := auth.Config{Secret: []byte(strings.TrimSpace(getenv(*secretEnv)))}
	if strings.TrimSpace(*configPath) != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		authCfg = auth.Config{Secret: []byte(cfg.StreamSecret()), Issuer: cfg.Stream.Issuer, Audience: cfg.Stream.Audience}
	}
	verifier, err := auth.NewVerifier(authCfg)
	if err != nil {
		return err
	}
	tok, err := verifier.Issue(*user, *workspace, *ttl)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, tok)
	return nil
}

func runApprovals(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("approvals subcommand required")
	}
	if isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: assistantctl approvals <pending|decide> [flags]")
		return nil
	}
	switch args[0] {
	case "pending":
		return runApprovalsPending(args[1:], out)
	case "decide":
		return runApprovalsDecide(args[1:], out)
	default:
		return fmt.Errorf("unknown approvals command: %s", args[0])
	}
}

func runApprovalsPending(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("approvals pending", flag.ContinueOnError)
	gateway := fs.String("gateway", "", "gateway base URL")
	token := fs.String("token", "", "stream bearer token")
	workspace := fs.String("workspace", "", "workspace id when the token carries none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := gatewayClientFromFlags(*gateway, *token)
	if err != nil {
		return err
	}
	data, err := client.PendingApprovals(context.Background(), *workspace)
	if err != nil {
		return err
	}
	_, _ = out.Write(data)
	return nil
}

func runApprovalsDecide(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("approvals decide", flag.ContinueOnError)
	gateway := fs.String("gateway", "", "gateway base URL")
	token := fs.String("token", "", "stream bearer token")
	id := fs.String("id", "", "envelope id")
	approve := fs.Bool("approve", false, "approve the action")
	deny := fs.Bool("deny", false, "deny the action")
	reason := fs.String("reason", "", "decision reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	if *approve == *deny {
		return errors.New("exactly one of -approve or -deny required")
	}
	client, err := gatewayClientFromFlags(*gateway, *token)
	if err != nil {
		return err
	}
	data, err := client.Decide(context.Background(), *id, *approve, *reason)
	if err != nil {
		return err
	}
	_, _ = out.Write(data)
	return nil
}

func runAudit(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("audit subcommand required")
	}
	if isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: assistantctl audit list -config <file> [-workspace <id>] [-limit n]")
		return nil
	}
	if args[0] != "list" {
		return fmt.Errorf("unknown audit command: %s", args[0])
	}
	fs := flag.NewFlagSet("audit list", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	dsn := fs.String("dsn", "", "postgres DSN (overrides the config)")
	workspace := fs.String("workspace", "", "workspace id (all when empty)")
	limit := fs.Int("limit", 50, "max events")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" && strings.TrimSpace(*configPath) != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		*dsn = cfg.Storage.PostgresDSN
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn or config with storage.postgres_dsn required")
	}
	database, err := newDB(*dsn)
	if err != nil {
		return err
	}
	defer database.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := listAuditEvents(ctx, database, *workspace, *limit)
	if err != nil {
		return err
	}
	_, _ = out.Write(data)
	_, _ = fmt.Fprintln(out)
	return nil
}

func gatewayClientFromFlags(baseURL, token string) (*gatewayClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("gateway required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("token required")
	}
	return newGatewayClient(strings.TrimRight(baseURL, "/"), token), nil
}

func parseJSONInput(value string, out any) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	data, err := readInput(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func readInput(value string) ([]byte, error) {
	if strings.HasPrefix(value, "@") {
		path := strings.TrimPrefix(value, "@")
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("input path required")
		}
		return readFile(path)
	}
	return []byte(value), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type gatewayClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type decisionRequest struct {
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (c *gatewayClient) PendingApprovals(ctx context.Context, workspaceID string) ([]byte, error) {
	path := "/v1/approvals/pending"
	if strings.TrimSpace(workspaceID) != "" {
		path += "?workspaceId=" + url.QueryEscape(workspaceID)
	}
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

func (c *gatewayClient) Decide(ctx context.Context, envelopeID string, approved bool, reason string) ([]byte, error) {
	path := "/v1/approvals/" + envelopeID + "/decision"
	return c.doRequest(ctx, http.MethodPost, path, decisionRequest{Approved: &approved, Reason: reason})
}

func (c *gatewayClient) doRequest(ctx context.Context, method, path string, req any) ([]byte, error) {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 5 * time.Second}
	}
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	rawQuery := ""
	if idx := strings.Index(path, "?"); idx != -1 {
		rawQuery = path[idx+1:]
		path = path[:idx]
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = rawQuery
	request, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if req != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		request.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, string(payload))
	}
	return io.ReadAll(resp.Body)
}
