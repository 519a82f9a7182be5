package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/deckflow/internal/server"
	"github.com/petrijr/deckflow/pkg/api"
)

func (c *CLI) eventsCommand() *cobra.Command {
	var (
		baseURL  string
		afterSeq int64
	)
	cmd := &cobra.Command{
		Use:   "events RUN_ID",
		Short: "Follow the event stream of a run",
		Long:  `Events prints a run's events from a deckflow server and returns once the run reaches a terminal status.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return followEvents(cmd.Context(), http.DefaultClient, baseURL, args[0], afterSeq, func(ev api.RunEvent) {
				renderEvent(cmd.OutOrStdout(), ev)
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "server", "http://localhost:8080", "deckflow server URL")
	cmd.Flags().Int64Var(&afterSeq, "after-seq", -1, "resume after this sequence number")
	return cmd
}

// followEvents reads the server-sent event stream of runID and calls fn
// for each event until the server ends the stream.
func followEvents(ctx context.Context, client *http.Client, baseURL, runID string, afterSeq int64, fn func(api.RunEvent)) error {
	u := strings.TrimRight(baseURL, "/") + "/v1/runs/" + url.PathEscape(runID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if afterSeq >= 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(afterSeq, 10))
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body server.ErrorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil && body.Error.Code != "" {
			return fmt.Errorf("%s: %s", body.Error.Code, body.Error.Message)
		}
		return fmt.Errorf("events: unexpected status %s", resp.Status)
	}
	return readEvents(resp.Body, runID, fn)
}

// readEvents parses text/event-stream framing as written by server.WriteEvent.
func readEvents(r io.Reader, runID string, fn func(api.RunEvent)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)

	ev := api.RunEvent{RunID: runID}
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if data.Len() > 0 {
				ev.Payload = json.RawMessage(data.String())
				fn(ev)
			}
			ev = api.RunEvent{RunID: runID}
			data.Reset()
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("events: bad id %q", value)
			}
			ev.Seq = seq
		case "event":
			ev.Type = api.EventType(value)
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	return sc.Err()
}
