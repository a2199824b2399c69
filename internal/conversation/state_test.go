package conversation_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/parley/internal/conversation"
)

var allStates = []conversation.State{
	conversation.Idle,
	conversation.Listening,
	conversation.UserSpeaking,
	conversation.Processing,
	conversation.AIResponding,
	conversation.Interrupted,
}

var allEvents = []conversation.Event{
	conversation.EventStart,
	conversation.EventStop,
	conversation.EventSpeechStarted,
	conversation.EventSpeechStopped,
	conversation.EventProcessingStarted,
	conversation.EventResponseStarting,
	conversation.EventFirstChunk,
	conversation.EventAudioComplete,
	conversation.EventInterrupt,
	conversation.EventResume,
	conversation.EventResponseCanceled,
	conversation.EventProcessingError,
	conversation.EventDisconnected,
}

func TestNext_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from      conversation.State
		capturing bool
		event     conversation.Event
		want      conversation.State
	}{
		{conversation.Idle, false, conversation.EventStart, conversation.Listening},
		{conversation.Listening, true, conversation.EventSpeechStarted, conversation.UserSpeaking},
		{conversation.UserSpeaking, true, conversation.EventSpeechStopped, conversation.Listening},
		{conversation.UserSpeaking, true, conversation.EventProcessingStarted, conversation.Processing},
		{conversation.Listening, true, conversation.EventProcessingStarted, conversation.Processing},
		{conversation.Processing, true, conversation.EventResponseStarting, conversation.AIResponding},
		{conversation.Processing, true, conversation.EventFirstChunk, conversation.AIResponding},
		{conversation.Listening, true, conversation.EventFirstChunk, conversation.AIResponding},
		{conversation.AIResponding, true, conversation.EventAudioComplete, conversation.Listening},
		{conversation.AIResponding, false, conversation.EventAudioComplete, conversation.Idle},
		{conversation.AIResponding, true, conversation.EventInterrupt, conversation.Interrupted},
		{conversation.Interrupted, true, conversation.EventResume, conversation.Listening},
		{conversation.Interrupted, false, conversation.EventResume, conversation.Idle},
		{conversation.AIResponding, true, conversation.EventResponseCanceled, conversation.Listening},
		{conversation.Processing, true, conversation.EventProcessingError, conversation.Listening},
		{conversation.AIResponding, false, conversation.EventProcessingError, conversation.Idle},
		{conversation.Listening, true, conversation.EventStop, conversation.Idle},
		{conversation.Processing, true, conversation.EventSpeechStarted, conversation.UserSpeaking},

		// Ignored events leave the state unchanged.
		{conversation.Idle, false, conversation.EventAudioComplete, conversation.Idle},
		{conversation.Listening, true, conversation.EventInterrupt, conversation.Listening},
		{conversation.AIResponding, true, conversation.EventStart, conversation.AIResponding},
		{conversation.AIResponding, true, conversation.EventSpeechStopped, conversation.AIResponding},
		{conversation.Interrupted, true, conversation.EventFirstChunk, conversation.Interrupted},
		{conversation.Idle, false, conversation.EventResume, conversation.Idle},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event.String(), func(t *testing.T) {
			t.Parallel()
			if got := conversation.Next(tt.from, tt.capturing, tt.event); got != tt.want {
				t.Errorf("Next(%s, %v, %s) = %s, want %s", tt.from, tt.capturing, tt.event, got, tt.want)
			}
		})
	}
}

func TestNext_DisconnectAlwaysIdle(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		for _, capturing := range []bool{false, true} {
			if got := conversation.Next(s, capturing, conversation.EventDisconnected); got != conversation.Idle {
				t.Errorf("Next(%s, disconnected) = %s, want idle", s, got)
			}
		}
	}
}

func TestNext_TotalAndClosed(t *testing.T) {
	t.Parallel()

	valid := make(map[conversation.State]bool, len(allStates))
	for _, s := range allStates {
		valid[s] = true
	}
	for _, s := range allStates {
		for _, e := range allEvents {
			for _, capturing := range []bool{false, true} {
				if got := conversation.Next(s, capturing, e); !valid[got] {
					t.Errorf("Next(%s, %v, %s) produced invalid state %d", s, capturing, e, got)
				}
			}
		}
		if got := conversation.Next(s, true, conversation.Event(999)); got != s {
			t.Errorf("unknown event changed %s to %s", s, got)
		}
	}
}

func TestNext_FullTurn(t *testing.T) {
	t.Parallel()

	seq := []conversation.Event{
		conversation.EventStart,
		conversation.EventSpeechStarted,
		conversation.EventSpeechStopped,
		conversation.EventProcessingStarted,
		conversation.EventResponseStarting,
		conversation.EventFirstChunk,
		conversation.EventAudioComplete,
	}
	want := []conversation.State{
		conversation.Listening,
		conversation.UserSpeaking,
		conversation.Listening,
		conversation.Processing,
		conversation.AIResponding,
		conversation.AIResponding,
		conversation.Listening,
	}

	s := conversation.Idle
	for i, e := range seq {
		s = conversation.Next(s, true, e)
		if s != want[i] {
			t.Fatalf("step %d (%s): got %s, want %s", i, e, s, want[i])
		}
	}
}

func TestMachine_FireNotifiesObservers(t *testing.T) {
	t.Parallel()

	m := conversation.NewMachine()
	var got []conversation.Transition
	m.Observe(func(tr conversation.Transition) { got = append(got, tr) })

	m.SetCapturing(true)
	if _, changed := m.Fire(conversation.EventStart); !changed {
		t.Fatal("start should change state")
	}
	if _, changed := m.Fire(conversation.EventStart); changed {
		t.Error("duplicate start should be ignored")
	}
	m.Fire(conversation.EventFirstChunk)
	m.Fire(conversation.EventAudioComplete)
	m.Fire(conversation.EventAudioComplete)

	want := []conversation.Transition{
		{From: conversation.Idle, To: conversation.Listening, Event: conversation.EventStart},
		{From: conversation.Listening, To: conversation.AIResponding, Event: conversation.EventFirstChunk},
		{From: conversation.AIResponding, To: conversation.Listening, Event: conversation.EventAudioComplete},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
	if m.State() != conversation.Listening {
		t.Errorf("State: got %s", m.State())
	}
}

func TestMachine_CapturingDecidesRestState(t *testing.T) {
	t.Parallel()

	m := conversation.NewMachine()
	m.SetCapturing(true)
	m.Fire(conversation.EventStart)
	m.Fire(conversation.EventFirstChunk)
	m.SetCapturing(false)
	if m.Capturing() {
		t.Fatal("Capturing should be false")
	}
	m.Fire(conversation.EventAudioComplete)
	if m.State() != conversation.Idle {
		t.Errorf("State: got %s, want idle", m.State())
	}
}

func TestMachine_ConcurrentFire(t *testing.T) {
	t.Parallel()

	m := conversation.NewMachine()
	m.SetCapturing(true)
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for _, e := range allEvents {
				m.Fire(e)
			}
		})
	}
	wg.Wait()
	m.Fire(conversation.EventDisconnected)
	if m.State() != conversation.Idle {
		t.Errorf("State: got %s, want idle", m.State())
	}
}
