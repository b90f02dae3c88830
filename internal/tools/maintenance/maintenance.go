// Package maintenance inspects engine storage offline: event chains,
// archive records and dead letters.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	platformgrpc "github.com/louisbranch/sessionstate/internal/platform/grpc"
	"github.com/louisbranch/sessionstate/internal/platform/timeouts"
	stateapp "github.com/louisbranch/sessionstate/internal/services/state/app"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/storage/integrity"
	"github.com/louisbranch/sessionstate/internal/services/state/storage/sqlite"
)

const scanPageSize = 200

// Config holds maintenance command configuration.
type Config struct {
	EntityID      string
	EntityIDs     string
	EventsDBPath  string
	ArchiveDBPath string
	Timeout       time.Duration
	Integrity     bool
	Archives      bool
	EntityType    string
	Trigger       string
	DeadLetters   bool
	Limit         int
	JSONOutput    bool
	HealthAddr    string
}

type envConfig struct {
	DataDir string        `env:"SESSIONSTATE_DATA_DIR" envDefault:"data"`
	Timeout time.Duration `env:"SESSIONSTATE_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses env and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		EventsDBPath:  filepath.Join(envCfg.DataDir, "events.db"),
		ArchiveDBPath: filepath.Join(envCfg.DataDir, "archive.db"),
		Timeout:       envCfg.Timeout,
		Limit:         50,
	}
	fs.StringVar(&cfg.EntityID, "entity-id", "", "entity ID to scan")
	fs.StringVar(&cfg.EntityIDs, "entity-ids", "", "comma-separated entity IDs to scan")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "path to events sqlite database (default: $SESSIONSTATE_DATA_DIR/events.db)")
	fs.StringVar(&cfg.ArchiveDBPath, "archive-db-path", cfg.ArchiveDBPath, "path to archive sqlite database (default: $SESSIONSTATE_DATA_DIR/archive.db)")
	fs.BoolVar(&cfg.Integrity, "integrity", false, "verify the event hash chain and signatures")
	fs.BoolVar(&cfg.Archives, "archives", false, "list archive records")
	fs.StringVar(&cfg.EntityType, "entity-type", "", "entity type filter for -archives")
	fs.StringVar(&cfg.Trigger, "trigger", "", "archive trigger filter for -archives")
	fs.BoolVar(&cfg.DeadLetters, "dead-letters", false, "list dead-lettered archival jobs")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max rows to list")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.StringVar(&cfg.HealthAddr, "health-addr", "", "check the health of a running engine at host:port")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	if addr := strings.TrimSpace(cfg.HealthAddr); addr != "" {
		if cfg.Archives || cfg.DeadLetters || cfg.EntityID != "" || cfg.EntityIDs != "" || cfg.Integrity {
			return errors.New("-health-addr cannot be combined with other reports")
		}
		return runHealthCheck(ctx, addr, out)
	}
	if cfg.Archives || cfg.DeadLetters {
		if cfg.Archives && cfg.DeadLetters {
			return errors.New("-archives cannot be combined with -dead-letters")
		}
		if cfg.EntityID != "" || cfg.EntityIDs != "" || cfg.Integrity {
			return errors.New("archive reports cannot be combined with entity scans")
		}
		if cfg.Limit <= 0 {
			return errors.New("-limit must be > 0")
		}
		store, err := openArchiveStore(ctx, cfg.ArchiveDBPath)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				fmt.Fprintf(errOut, "Error: close archive store: %v\n", closeErr)
			}
		}()
		if cfg.DeadLetters {
			return runDeadLetterReport(ctx, store, cfg.Limit, cfg.JSONOutput, out)
		}
		filter := archive.Filter{EntityType: strings.TrimSpace(cfg.EntityType), Limit: cfg.Limit}
		if trigger := strings.TrimSpace(cfg.Trigger); trigger != "" {
			parsed, err := archive.ParseTrigger(trigger)
			if err != nil {
				return err
			}
			filter.Trigger = parsed
		}
		return runArchiveReport(ctx, store, filter, cfg.JSONOutput, out)
	}

	ids, err := resolveEntityIDs(cfg.EntityID, cfg.EntityIDs)
	if err != nil {
		return err
	}
	store, err := openEventStore(ctx, cfg.EventsDBPath)
	if err != nil {
		return err
	}
	return runWithDeps(ctx, cfg, ids, store, out, errOut)
}

func runWithDeps(ctx context.Context, cfg Config, ids []string, store eventInspector, out io.Writer, errOut io.Writer) error {
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close event store: %v\n", err)
		}
	}()

	failed := false
	for _, id := range ids {
		result := runEntity(ctx, store, id, cfg.Integrity)
		if cfg.JSONOutput {
			outputJSON(out, errOut, result)
		} else {
			prefix := ""
			if len(ids) > 1 {
				prefix = fmt.Sprintf("[%s] ", id)
			}
			printResult(out, errOut, result, prefix)
		}
		if result.ExitCode != 0 {
			failed = true
		}
	}
	if failed {
		return errors.New("maintenance failed")
	}
	return nil
}

type scanReport struct {
	LastSeq     uint64         `json:"last_seq"`
	TotalEvents int            `json:"total_events"`
	Types       map[string]int `json:"types,omitempty"`
	FirstAt     time.Time      `json:"first_at,omitzero"`
	LastAt      time.Time      `json:"last_at,omitzero"`
}

type integrityReport struct {
	Checked int `json:"checked"`
}

type runResult struct {
	EntityID string          `json:"entity_id"`
	Mode     string          `json:"mode"`
	Report   json.RawMessage `json:"report,omitempty"`
	Error    string          `json:"error,omitempty"`
	ExitCode int             `json:"-"`
}

func runEntity(ctx context.Context, store eventInspector, entityID string, verify bool) runResult {
	result := runResult{EntityID: entityID}
	var report any
	if verify {
		result.Mode = "integrity"
		checked, err := store.VerifyIntegrity(ctx, entityID)
		if err != nil {
			result.Error = fmt.Sprintf("verify integrity: %v", err)
			result.ExitCode = 1
			return result
		}
		report = integrityReport{Checked: checked}
	} else {
		result.Mode = "scan"
		scanned, err := scanEvents(ctx, store, entityID)
		if err != nil {
			result.Error = fmt.Sprintf("scan events: %v", err)
			result.ExitCode = 1
			return result
		}
		report = scanned
	}
	payload, err := json.Marshal(report)
	if err != nil {
		result.Error = fmt.Sprintf("encode report: %v", err)
		result.ExitCode = 1
		return result
	}
	result.Report = payload
	return result
}

func scanEvents(ctx context.Context, store eventInspector, entityID string) (scanReport, error) {
	report := scanReport{Types: map[string]int{}}
	var after uint64
	for {
		events, err := store.ListEvents(ctx, entityID, after, scanPageSize)
		if err != nil {
			return scanReport{}, err
		}
		for _, evt := range events {
			if report.TotalEvents == 0 {
				report.FirstAt = evt.Timestamp
			}
			report.TotalEvents++
			report.Types[evt.Type]++
			report.LastSeq = evt.Seq
			report.LastAt = evt.Timestamp
			after = evt.Seq
		}
		if len(events) < scanPageSize {
			return report, nil
		}
	}
}

func resolveEntityIDs(singleID, list string) ([]string, error) {
	if singleID == "" && list == "" {
		return nil, fmt.Errorf("-entity-id or -entity-ids is required")
	}
	if singleID != "" && list != "" {
		return nil, fmt.Errorf("-entity-id cannot be combined with -entity-ids")
	}
	if singleID != "" {
		return []string{singleID}, nil
	}
	ids := splitCSV(list)
	if len(ids) == 0 {
		return nil, fmt.Errorf("-entity-ids must contain at least one entity id")
	}
	return ids, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	output := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		output = append(output, trimmed)
	}
	return output
}

func outputJSON(out io.Writer, errOut io.Writer, result runResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(errOut, "Error: encode report: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(encoded))
}

func printResult(out io.Writer, errOut io.Writer, result runResult, prefix string) {
	if result.Error != "" {
		fmt.Fprintf(errOut, "%sError: %s\n", prefix, result.Error)
	}
	if len(result.Report) == 0 {
		return
	}
	if result.Mode == "integrity" {
		var report integrityReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		fmt.Fprintf(out, "%sEvent chain for entity %s verified (%d events)\n", prefix, result.EntityID, report.Checked)
		return
	}

	var report scanReport
	if err := json.Unmarshal(result.Report, &report); err != nil {
		fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
		return
	}
	fmt.Fprintf(out, "%sScanned events for entity %s through seq %d (%d events)\n", prefix, result.EntityID, report.LastSeq, report.TotalEvents)
	types := make([]string, 0, len(report.Types))
	for name := range report.Types {
		types = append(types, name)
	}
	sort.Strings(types)
	for _, name := range types {
		fmt.Fprintf(out, "%s  %s: %d\n", prefix, name, report.Types[name])
	}
}

type archiveReport struct {
	Mode    string           `json:"mode"`
	Records []archive.Record `json:"records"`
}

func runArchiveReport(ctx context.Context, store archiveInspector, filter archive.Filter, jsonOutput bool, out io.Writer) error {
	records, err := store.QueryRecords(ctx, filter)
	if err != nil {
		return fmt.Errorf("query archive records: %w", err)
	}
	if jsonOutput {
		payload, err := json.Marshal(archiveReport{Mode: "archives", Records: records})
		if err != nil {
			return fmt.Errorf("encode archive report: %w", err)
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}
	fmt.Fprintf(out, "Archive records: %d\n", len(records))
	for _, r := range records {
		fmt.Fprintf(out, "- %s type=%s backend=%s seq=%d trigger=%s size=%d compressed=%t archived_at=%s\n",
			r.EntityID, r.EntityType, r.Backend, r.Seq, r.Trigger, r.Size, r.Compressed, r.ArchivedAt.Format(time.RFC3339))
	}
	return nil
}

type deadLetterRow struct {
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	Trigger    string    `json:"trigger"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
	HasState   bool      `json:"has_state"`
}

type deadLetterReport struct {
	Mode  string          `json:"mode"`
	Total int             `json:"total"`
	Rows  []deadLetterRow `json:"rows"`
}

func runDeadLetterReport(ctx context.Context, store archiveInspector, limit int, jsonOutput bool, out io.Writer) error {
	letters, err := store.ListDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	report := deadLetterReport{Mode: "dead-letters", Total: len(letters)}
	for i, letter := range letters {
		if i >= limit {
			break
		}
		report.Rows = append(report.Rows, deadLetterRow{
			EntityID:   letter.Job.EntityID,
			EntityType: letter.Job.EntityType,
			Trigger:    string(letter.Job.Trigger),
			Attempts:   letter.Job.Attempts,
			Reason:     letter.Reason,
			FailedAt:   letter.FailedAt,
			HasState:   letter.HasState,
		})
	}
	if jsonOutput {
		payload, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode dead letter report: %w", err)
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}
	fmt.Fprintf(out, "Dead letters: %d\n", report.Total)
	for _, row := range report.Rows {
		fmt.Fprintf(out, "- %s type=%s trigger=%s attempts=%d state=%t failed_at=%s reason=%s\n",
			row.EntityID, row.EntityType, row.Trigger, row.Attempts, row.HasState, row.FailedAt.Format(time.RFC3339), row.Reason)
	}
	return nil
}

// runHealthCheck waits for a running engine to report SERVING.
func runHealthCheck(ctx context.Context, addr string, out io.Writer) error {
	conn, err := platformgrpc.DialHealthy(ctx, addr, stateapp.HealthService, timeouts.BackendDial, nil)
	if err != nil {
		return err
	}
	_ = conn.Close()
	fmt.Fprintf(out, "Engine at %s is serving\n", addr)
	return nil
}

func openEventStore(ctx context.Context, path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return nil, fmt.Errorf("events db path is required")
	}
	if _, err := os.Stat(cleanPath); err != nil {
		return nil, fmt.Errorf("events db: %w", err)
	}
	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		return nil, err
	}
	store, err := sqlite.OpenEvents(ctx, cleanPath, keyring)
	if err != nil {
		return nil, fmt.Errorf("open events store: %w", err)
	}
	return store, nil
}

func openArchiveStore(ctx context.Context, path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return nil, fmt.Errorf("archive db path is required")
	}
	if _, err := os.Stat(cleanPath); err != nil {
		return nil, fmt.Errorf("archive db: %w", err)
	}
	store, err := sqlite.OpenArchive(ctx, cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}
	return store, nil
}
