package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/streamd/internal/envelope"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Session stream operations"}
	streamCmd.PersistentFlags().StringP("session", "s", "", "Session id")

	streamCmd.AddCommand(
		newStreamTailCommand(baseURL),
		newStreamPublishCommand(baseURL),
		newStreamReplayCommand(baseURL),
		newStreamStatusCommand(baseURL),
		newStreamGapsCommand(baseURL),
		newStreamControlCommand(baseURL, "pause", "Pause delivery to one or all connections"),
		newStreamControlCommand(baseURL, "resume", "Resume delivery to one or all connections"),
		newStreamDeleteCommand(baseURL),
	)
	return streamCmd
}

func sessionFlag(cmd *cobra.Command) (string, error) {
	s, _ := cmd.Flags().GetString("session")
	if s == "" {
		return "", errors.New("--session is required")
	}
	return s, nil
}

// newStreamTailCommand constructs the `stream tail` subcommand. It prints
// one JSON envelope per line and, unless --no-reconnect is set, reconnects
// with Last-Event-ID after the server closes the stream.
func newStreamTailCommand(baseURL BaseURLFunc) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a session's event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := sessionFlag(cmd)
			if err != nil {
				return err
			}
			lastID, _ := cmd.Flags().GetString("last-event-id")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			noReconnect, _ := cmd.Flags().GetBool("no-reconnect")
			delay, _ := cmd.Flags().GetDuration("reconnect-delay")
			clientVersion, _ := cmd.Flags().GetString("client-version")
			token, _ := cmd.Flags().GetString("token")

			t := &tailer{
				url:           streamURL(baseURL(), session, ""),
				filter:        filter,
				clientVersion: clientVersion,
				token:         token,
				lastID:        lastID,
				limit:         limit,
				all:           all,
				out:           json.NewEncoder(cmd.OutOrStdout()),
			}
			ctx := cmd.Context()
			for {
				err := t.once(ctx)
				if t.done() || noReconnect || ctx.Err() != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				var se *statusError
				if errors.As(err, &se) && se.code != http.StatusTooManyRequests && se.code != http.StatusServiceUnavailable {
					return err
				}
				wait := delay
				if t.retry > 0 {
					wait = t.retry
				}
				if se != nil && se.retryAfter > 0 {
					wait = se.retryAfter
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		},
	}
	tailCmd.Flags().String("last-event-id", "", "Resume after this event id")
	tailCmd.Flags().String("filter", "", "CEL filter (server-side)")
	tailCmd.Flags().Int("limit", 0, "Stop after N data events (0 = infinite)")
	tailCmd.Flags().Bool("all", false, "Print control events (handshake, keepalive, replay markers) too")
	tailCmd.Flags().Bool("no-reconnect", false, "Exit when the server closes the stream")
	tailCmd.Flags().Duration("reconnect-delay", 3*time.Second, "Delay before reconnecting when the server sent no retry hint")
	tailCmd.Flags().String("client-version", "", "Value for X-Client-Version")
	tailCmd.Flags().String("token", "", "Session token (Authorization: Bearer)")
	return tailCmd
}

type tailer struct {
	url           string
	filter        string
	clientVersion string
	token         string
	lastID        string
	limit         int
	all           bool
	out           *json.Encoder

	seen  int
	retry time.Duration
}

func (t *tailer) done() bool { return t.limit > 0 && t.seen >= t.limit }

// once holds one connection open until it ends or the limit is reached.
func (t *tailer) once(ctx context.Context) error {
	u := t.url
	if t.filter != "" {
		u += "?" + url.Values{"filter": {t.filter}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.lastID != "" {
		req.Header.Set("Last-Event-ID", t.lastID)
	}
	if t.clientVersion != "" {
		req.Header.Set("X-Client-Version", t.clientVersion)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}

	fr := envelope.NewFrameReader(resp.Body)
	for {
		f, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if f.Retry > 0 {
			t.retry = time.Duration(f.Retry) * time.Millisecond
		}
		if _, ok := envelope.ResumeSequence(f.ID); ok {
			t.lastID = f.ID
		}
		env, err := f.Envelope()
		if err != nil {
			_ = t.out.Encode(map[string]any{"id": f.ID, "event": f.Event, "raw": f.Data, "error": err.Error()})
			continue
		}
		if env.Type() != envelope.TypeData && !t.all {
			continue
		}
		if err := t.out.Encode(env); err != nil {
			return err
		}
		if env.Type() == envelope.TypeData {
			t.seen++
			if t.done() {
				return nil
			}
		}
	}
}

// newStreamPublishCommand constructs the `stream publish` subcommand.
func newStreamPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event to a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := sessionFlag(cmd)
			if err != nil {
				return err
			}
			typ, _ := cmd.Flags().GetString("type")
			data, _ := cmd.Flags().GetString("data")
			meta, _ := cmd.Flags().GetString("metadata")

			body := map[string]any{"event_type": typ}
			if data != "" {
				var p map[string]any
				if err := json.Unmarshal([]byte(data), &p); err != nil {
					return fmt.Errorf("invalid --data, expected a JSON object: %w", err)
				}
				body["payload"] = p
			}
			if meta != "" {
				var m map[string]any
				if err := json.Unmarshal([]byte(meta), &m); err != nil {
					return fmt.Errorf("invalid --metadata, expected a JSON object: %w", err)
				}
				body["metadata"] = m
			}
			var env envelope.Envelope
			if err := doJSON(cmd.Context(), http.MethodPost, streamURL(baseURL(), session, "/publish"), body, &env); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "published: %s seq=%d\n", env.ID(), env.Sequence())
			return nil
		},
	}
	publishCmd.Flags().String("type", "data", "Event type (data|error|complete)")
	publishCmd.Flags().String("data", "", "Payload as a JSON object")
	publishCmd.Flags().String("metadata", "", "Metadata as a JSON object")
	return publishCmd
}

// newStreamReplayCommand constructs the `stream replay` subcommand.
func newStreamReplayCommand(baseURL BaseURLFunc) *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Fetch a range of events as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := sessionFlag(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")
			to, _ := cmd.Flags().GetUint64("to")
			maxEvents, _ := cmd.Flags().GetInt("max")

			q := url.Values{}
			q.Set("from_seq", strconv.FormatUint(from, 10))
			if to > 0 {
				q.Set("to_seq", strconv.FormatUint(to, 10))
			}
			if maxEvents > 0 {
				q.Set("max_events", strconv.Itoa(maxEvents))
			}
			var envs []envelope.Envelope
			if err := doJSON(cmd.Context(), http.MethodGet, streamURL(baseURL(), session, "/replay")+"?"+q.Encode(), nil, &envs); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range envs {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	replayCmd.Flags().Uint64("from", 0, "First sequence to replay")
	replayCmd.Flags().Uint64("to", 0, "Last sequence (0 = latest)")
	replayCmd.Flags().Int("max", 0, "Max events (0 = server default)")
	return replayCmd
}

// newStreamStatusCommand constructs the `stream status` subcommand.
func newStreamStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a session's connections and counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := sessionFlag(cmd)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, streamURL(baseURL(), session, "/status"), nil, &out); err != nil {
				return err
			}
			return printIndented(cmd.OutOrStdout(), out)
		},
	}
}

// newStreamGapsCommand constructs the `stream gaps` subcommand.
func newStreamGapsCommand(baseURL BaseURLFunc) *cobra.Command {
	gapsCmd := &cobra.Command{
		Use:   "gaps",
		Short: "List sequence ranges that can no longer be replayed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := sessionFlag(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")
			to, _ := cmd.Flags().GetUint64("to")
			q := url.Values{}
			if from > 0 {
				q.Set("from_seq", strconv.FormatUint(from, 10))
			}
			if to > 0 {
				q.Set("to_seq", strconv.FormatUint(to, 10))
			}
			u := streamURL(baseURL(), session, "/gaps")
			if len(q) > 0 {
				u += "?" + q.Encode()
			}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, u, nil, &out); err != nil {
				return err
			}
			return printIndented(cmd.OutOrStdout(), out)
		},
	}
	gapsCmd.Flags().Uint64("from", 0, "First sequence (default 1)")
	gapsCmd.Flags().Uint64("to", 0, "Last sequence (0 = latest)")
	return gapsCmd
}

// newStreamControlCommand builds `stream pause` and `stream resume`.
func newStreamControlCommand(baseURL BaseURLFunc, action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := sessionFlag(cmd)
			if err != nil {
				return err
			}
			conn, _ := cmd.Flags().GetString("connection")
			u := streamURL(baseURL(), session, "/"+action)
			if conn != "" {
				u += "?" + url.Values{"connection_id": {conn}}.Encode()
			}
			var out struct {
				Affected int `json:"affected"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, u, nil, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d connection(s)\n", action, out.Affected)
			return nil
		},
	}
	cmd.Flags().String("connection", "", "Connection id (default: all of the session's connections)")
	return cmd
}

// newStreamDeleteCommand constructs the `stream delete` subcommand.
func newStreamDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session's history and close its connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := sessionFlag(cmd)
			if err != nil {
				return err
			}
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to delete %q without --yes", session)
			}
			if err := doJSON(cmd.Context(), http.MethodDelete, streamURL(baseURL(), session, ""), nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted: %s\n", session)
			return nil
		},
	}
	deleteCmd.Flags().Bool("yes", false, "Confirm deletion")
	return deleteCmd
}
