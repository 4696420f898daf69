package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
)

// ─── Event Stream ───────────────────────────────────────────────────────────
// GET /v1/events streams market events as server-sent events.
//
//	?since=<seq>  replay persisted events after seq before going live
//	?task=<id>    only events for one task

const heartbeatInterval = 15 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+v)
			return
		}
		since = n
	}
	var only *uint64
	if v := r.URL.Query().Get("task"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task: "+v)
			return
		}
		only = &id
	}

	// Subscribe before replaying so nothing falls between the two.
	ch, cancel := s.hub.Subscribe(0)
	defer cancel()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	send := func(ev domain.Event) {
		if only != nil && ev.TaskID != *only {
			return
		}
		data, _ := json.Marshal(ev)
		if ev.Seq > 0 {
			fmt.Fprintf(writer, "id: %d\n", ev.Seq)
		}
		fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", ev.Kind, data)
		writer.Flush()
		flusher.Flush()
	}

	last := since
	if since > 0 && s.history != nil {
		for {
			batch, err := s.history.Events(r.Context(), last, 500)
			if err != nil {
				fmt.Fprintf(writer, "event: error\ndata: %q\n\n", err.Error())
				writer.Flush()
				flusher.Flush()
				return
			}
			for _, ev := range batch {
				send(ev)
				last = ev.Seq
			}
			if len(batch) < 500 {
				break
			}
		}
	}
	// Comment line so clients see the stream open.
	fmt.Fprint(writer, ": live\n\n")
	writer.Flush()
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Seq > 0 && ev.Seq <= last {
				continue // already replayed
			}
			send(ev)
		case <-ticker.C:
			fmt.Fprint(writer, ": ping\n\n")
			writer.Flush()
			flusher.Flush()
		}
	}
}
