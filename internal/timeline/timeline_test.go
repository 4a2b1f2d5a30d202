package timeline

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zulandar/casedesk/internal/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func textMsg(id int64, channelID, text string) models.Message {
	return models.Message{
		ID:               id,
		CaseID:           42,
		SenderType:       models.SenderClient,
		MessageType:      models.MessageText,
		TextContent:      models.StringPtr(text),
		ChannelMessageID: channelID,
		CreatedAt:        fixedNow,
	}
}

// assertUnique fails the test if the timeline holds two rows for one
// logical message.
func assertUnique(t *testing.T, msgs []models.Message) {
	t.Helper()
	ids := make(map[int64]bool)
	chans := make(map[string]bool)
	for _, m := range msgs {
		if m.ID != 0 {
			if ids[m.ID] {
				t.Fatalf("duplicate id %d in %+v", m.ID, msgs)
			}
			ids[m.ID] = true
		}
		if m.ChannelMessageID != "" {
			if chans[m.ChannelMessageID] {
				t.Fatalf("duplicate channel_message_id %q in %+v", m.ChannelMessageID, msgs)
			}
			chans[m.ChannelMessageID] = true
		}
	}
}

func TestLoad_ReplacesSequence(t *testing.T) {
	tl := New(fixedClock)
	tl.Load([]models.Message{textMsg(1, "a", "one")})
	want := []models.Message{textMsg(2, "b", "two"), textMsg(3, "c", "three")}
	tl.Load(want)

	if diff := cmp.Diff(want, tl.Messages()); diff != "" {
		t.Errorf("Messages() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_CopiesInput(t *testing.T) {
	tl := New(fixedClock)
	in := []models.Message{textMsg(1, "a", "one")}
	tl.Load(in)
	in[0].ID = 99

	if got := tl.Messages()[0].ID; got != 1 {
		t.Errorf("timeline aliased caller slice: ID = %d, want 1", got)
	}
}

func TestAppendOptimistic(t *testing.T) {
	tl := New(fixedClock)
	msg := tl.AppendOptimistic(Draft{CaseID: 42, Text: "hola"})

	if msg.ID != 0 {
		t.Errorf("ID = %d, want 0", msg.ID)
	}
	wantTmp := fmt.Sprintf("tmp-%d-1", fixedNow.UnixMilli())
	if msg.ChannelMessageID != wantTmp {
		t.Errorf("ChannelMessageID = %q, want %q", msg.ChannelMessageID, wantTmp)
	}
	if msg.MessageType != models.MessageText {
		t.Errorf("MessageType = %q, want text default", msg.MessageType)
	}
	if msg.SenderType != models.SenderAgent {
		t.Errorf("SenderType = %q, want agent", msg.SenderType)
	}
	if !msg.CreatedAt.Equal(fixedNow) {
		t.Errorf("CreatedAt = %v, want %v", msg.CreatedAt, fixedNow)
	}
	if !msg.Pending() {
		t.Error("optimistic message should be pending")
	}
	if tl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tl.Len())
	}
}

func TestAppendOptimistic_UniqueWithinSameMillisecond(t *testing.T) {
	tl := New(fixedClock)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		m := tl.AppendOptimistic(Draft{CaseID: 42, Text: "x"})
		if seen[m.ChannelMessageID] {
			t.Fatalf("temp id %q reused", m.ChannelMessageID)
		}
		seen[m.ChannelMessageID] = true
	}
}

func TestClear_KeepsCounter(t *testing.T) {
	tl := New(fixedClock)
	first := tl.AppendOptimistic(Draft{Text: "a"})
	tl.Clear()
	if tl.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", tl.Len())
	}
	second := tl.AppendOptimistic(Draft{Text: "b"})
	if first.ChannelMessageID == second.ChannelMessageID {
		t.Errorf("temp id reused after Clear: %q", second.ChannelMessageID)
	}
}

func TestReset_RestartsCounter(t *testing.T) {
	tl := New(fixedClock)
	tl.AppendOptimistic(Draft{Text: "a"})
	tl.AppendOptimistic(Draft{Text: "b"})
	tl.Reset()
	m := tl.AppendOptimistic(Draft{Text: "c"})
	if !strings.HasSuffix(m.ChannelMessageID, "-1") {
		t.Errorf("ChannelMessageID = %q, want counter restarted at 1", m.ChannelMessageID)
	}
	if tl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tl.Len())
	}
}

func TestReconcile_ReplacesOptimisticInPlace(t *testing.T) {
	tl := New(fixedClock)
	tl.Load([]models.Message{textMsg(10, "c10", "before")})
	opt := tl.AppendOptimistic(Draft{CaseID: 42, Text: "hola"})
	tl.Reconcile(Incoming{Message: textMsg(11, "c11", "after")})

	confirmed := textMsg(991, "wamid.991", "hola")
	confirmed.SenderType = models.SenderAgent
	got := tl.Reconcile(Incoming{Message: confirmed, ClientTmpID: opt.ChannelMessageID})

	if got != Replaced {
		t.Errorf("Reconcile = %v, want %v", got, Replaced)
	}
	msgs := tl.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[1].ID != 991 {
		t.Errorf("msgs[1].ID = %d, want 991 at the optimistic row's index", msgs[1].ID)
	}
	if msgs[2].ID != 11 {
		t.Errorf("msgs[2].ID = %d, want 11 untouched", msgs[2].ID)
	}
}

func TestReconcile_DuplicateByID(t *testing.T) {
	tl := New(fixedClock)
	tl.Load([]models.Message{textMsg(5, "c5", "hi")})

	dup := textMsg(5, "", "hi again")
	if got := tl.Reconcile(Incoming{Message: dup}); got != Duplicate {
		t.Errorf("Reconcile = %v, want %v", got, Duplicate)
	}
	if tl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tl.Len())
	}
	if tl.Messages()[0].Text() != "hi" {
		t.Error("duplicate must not overwrite the existing row")
	}
}

func TestReconcile_DuplicateByChannelMessageID(t *testing.T) {
	tl := New(fixedClock)
	tl.Load([]models.Message{textMsg(0, "wamid.1", "hi")})

	if got := tl.Reconcile(Incoming{Message: textMsg(0, "wamid.1", "hi")}); got != Duplicate {
		t.Errorf("Reconcile = %v, want %v", got, Duplicate)
	}
}

func TestReconcile_ZeroIDAndEmptyChannelIDAppends(t *testing.T) {
	tl := New(fixedClock)
	tl.Reconcile(Incoming{Message: textMsg(0, "", "a")})
	if got := tl.Reconcile(Incoming{Message: textMsg(0, "", "b")}); got != Appended {
		t.Errorf("Reconcile = %v, want %v", got, Appended)
	}
	if tl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tl.Len())
	}
}

func TestReconcile_UnknownTmpIDFallsThrough(t *testing.T) {
	tl := New(fixedClock)
	tl.Load([]models.Message{textMsg(7, "c7", "x")})

	got := tl.Reconcile(Incoming{Message: textMsg(7, "c7", "x"), ClientTmpID: "tmp-1-1"})
	if got != Duplicate {
		t.Errorf("Reconcile = %v, want %v", got, Duplicate)
	}
	got = tl.Reconcile(Incoming{Message: textMsg(8, "c8", "y"), ClientTmpID: "tmp-1-2"})
	if got != Appended {
		t.Errorf("Reconcile = %v, want %v", got, Appended)
	}
}

func TestReconcile_EchoWithoutTmpIDThenConfirmation(t *testing.T) {
	tl := New(fixedClock)
	opt := tl.AppendOptimistic(Draft{CaseID: 42, Text: "hola"})

	// The echo lost its correlation id and was appended as a new row.
	echo := textMsg(991, "ch-991", "hola")
	if got := tl.Reconcile(Incoming{Message: echo}); got != Appended {
		t.Fatalf("echo Reconcile = %v, want %v", got, Appended)
	}
	// The REST confirmation then matches the placeholder.
	if got := tl.Reconcile(Incoming{Message: echo, ClientTmpID: opt.ChannelMessageID}); got != Replaced {
		t.Fatalf("confirm Reconcile = %v, want %v", got, Replaced)
	}

	msgs := tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != 991 {
		t.Errorf("ID = %d, want 991", msgs[0].ID)
	}
}

func TestReconcile_SecondConfirmationIsDuplicate(t *testing.T) {
	tl := New(fixedClock)
	opt := tl.AppendOptimistic(Draft{CaseID: 42, Text: "hola"})
	confirmed := textMsg(991, "ch-991", "hola")

	tl.Reconcile(Incoming{Message: confirmed, ClientTmpID: opt.ChannelMessageID})
	got := tl.Reconcile(Incoming{Message: confirmed, ClientTmpID: opt.ChannelMessageID})
	if got != Duplicate {
		t.Errorf("second Reconcile = %v, want %v", got, Duplicate)
	}
	if tl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tl.Len())
	}
}

func TestReconcile_NeverDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tl := New(fixedClock)
	var tmpIDs []string
	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			tmpIDs = append(tmpIDs, tl.AppendOptimistic(Draft{CaseID: 42, Text: "x"}).ChannelMessageID)
		case 1:
			id := int64(rng.Intn(20) + 1)
			tl.Reconcile(Incoming{Message: textMsg(id, "", "by id")})
		case 2:
			ch := fmt.Sprintf("c%d", rng.Intn(20))
			tl.Reconcile(Incoming{Message: textMsg(0, ch, "by channel")})
		case 3:
			if len(tmpIDs) == 0 {
				continue
			}
			id := int64(rng.Intn(20) + 1)
			tmp := tmpIDs[rng.Intn(len(tmpIDs))]
			tl.Reconcile(Incoming{Message: textMsg(id, fmt.Sprintf("c%d", id), "confirm"), ClientTmpID: tmp})
		}
		assertUnique(t, tl.Messages())
	}
}

func TestRemoveByTempID(t *testing.T) {
	tl := New(fixedClock)
	tl.Load([]models.Message{textMsg(1, "c1", "a")})
	before := tl.Len()
	opt := tl.AppendOptimistic(Draft{CaseID: 42, Text: "doomed"})

	if !tl.RemoveByTempID(opt.ChannelMessageID) {
		t.Fatal("RemoveByTempID returned false")
	}
	if tl.Len() != before {
		t.Errorf("Len() = %d, want %d", tl.Len(), before)
	}
	if tl.RemoveByTempID(opt.ChannelMessageID) {
		t.Error("second RemoveByTempID should report false")
	}
	if tl.RemoveByTempID("") {
		t.Error("empty temp id should never match")
	}
}

func TestRemoveByTempID_KeepsConfirmedRow(t *testing.T) {
	tl := New(fixedClock)
	confirmed := textMsg(3, "tmp-5-1", "kept")
	tl.Load([]models.Message{confirmed})

	if tl.RemoveByTempID("tmp-5-1") {
		t.Error("confirmed row must not be removed")
	}
}

func TestTimeline_ConcurrentAccess(t *testing.T) {
	tl := New(nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tl.AppendOptimistic(Draft{Text: "x"})
				tl.Reconcile(Incoming{Message: textMsg(int64(g*100+i+1), "", "y")})
				_ = tl.Messages()
			}
		}(g)
	}
	wg.Wait()

	if tl.Len() != 8*50*2 {
		t.Errorf("Len() = %d, want %d", tl.Len(), 8*50*2)
	}
	assertUnique(t, tl.Messages())
}

func TestOutcome_String(t *testing.T) {
	if Appended.String() != "appended" || Replaced.String() != "replaced" || Duplicate.String() != "duplicate" {
		t.Error("unexpected Outcome strings")
	}
	if Outcome(9).String() != "outcome(9)" {
		t.Errorf("Outcome(9).String() = %q", Outcome(9).String())
	}
}
