package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/ops-relay/internal/models"
)

// watcher prints each notification once. Pushes and backfill pages can
// overlap; anything at or below the highest seq seen is skipped. While a
// backfill runs, pushes are held and printed after the last page.
type watcher struct {
	mu      sync.Mutex
	out     io.Writer
	json    bool
	lastSeq int64
	lastID  string
	holding bool
	held    []*models.Notification
}

// fetchFunc returns up to limit notifications after since, oldest first.
type fetchFunc func(since string, limit int) ([]*models.Notification, error)

func newWatcher(out io.Writer, asJSON bool) *watcher {
	return &watcher{out: out, json: asJSON}
}

func (w *watcher) cursor() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastID
}

// push is the entry point for live notifications.
func (w *watcher) push(n *models.Notification) {
	w.mu.Lock()
	if w.holding {
		w.held = append(w.held, n)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.handle(n)
}

// hold buffers pushes until the next drain completes.
func (w *watcher) hold() {
	w.mu.Lock()
	w.holding = true
	w.mu.Unlock()
}

// drain pages through fetch from the current cursor until an empty page,
// then prints any held pushes.
func (w *watcher) drain(fetch fetchFunc, limit int) error {
	w.hold()
	defer w.release()
	cursor := w.cursor()

	for {
		page, err := fetch(cursor, limit)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, n := range page {
			w.handle(n)
		}
		cursor = page[len(page)-1].ID
	}
}

func (w *watcher) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	sort.SliceStable(w.held, func(i, j int) bool { return w.held[i].Seq < w.held[j].Seq })
	for _, n := range w.held {
		w.print(n)
	}
	w.held, w.holding = nil, false
}

func (w *watcher) handle(n *models.Notification) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.print(n)
}

// print requires w.mu.
func (w *watcher) print(n *models.Notification) bool {
	if n.Seq != 0 && n.Seq <= w.lastSeq {
		return false
	}
	if n.Seq > w.lastSeq {
		w.lastSeq = n.Seq
	}
	w.lastID = n.ID

	if w.json {
		b, _ := json.Marshal(n)
		fmt.Fprintln(w.out, string(b))
		return true
	}
	fmt.Fprintf(w.out, "%s  #%-5d %-12s %s\n", n.CreatedAt.Local().Format(time.DateTime), n.Seq, n.Type, describe(n))
	return true
}

func describe(n *models.Notification) string {
	who := n.SubjectUserID
	if n.SubjectName != "" {
		who = fmt.Sprintf("%s (%s)", n.SubjectName, n.SubjectUserID)
	}
	switch n.Type {
	case models.NotificationDeposit, models.NotificationWithdrawal:
		return fmt.Sprintf("%s %.2f %s", who, n.Payload.Amount, n.Payload.Currency)
	case models.NotificationRegistration:
		return fmt.Sprintf("%s <%s>", who, n.Payload.Email)
	default:
		return who
	}
}
