package fsm

import "testing"

func machineIn(state State) *Machine {
	m := New()
	if state == StateIdle {
		return m
	}
	m.OnHelloSent()
	if state == StateNegotiating {
		return m
	}
	m.OnHelloAck()
	if state == StateSpeaking {
		m.OnTTSStart()
	}
	return m
}

func TestMachineDefault(t *testing.T) {
	m := New()
	if got := m.State(); got != StateIdle {
		t.Fatalf("state=%s, want %s", got, StateIdle)
	}
	if got := m.Mode(); got != ModeManual {
		t.Fatalf("mode=%s, want %s", got, ModeManual)
	}
	if m.HasSession() {
		t.Fatal("HasSession()=true before handshake")
	}
}

func TestMachineSessionLifecycle(t *testing.T) {
	m := New()
	if prev := m.OnHelloSent(); prev != StateIdle {
		t.Fatalf("prev=%s, want %s", prev, StateIdle)
	}
	if !m.OnHelloAck() {
		t.Fatal("OnHelloAck rejected in negotiating")
	}
	if !m.OnTTSStart() {
		t.Fatal("OnTTSStart rejected in listening")
	}
	if got := m.State(); got != StateSpeaking {
		t.Fatalf("state=%s, want %s", got, StateSpeaking)
	}
	if !m.OnTTSStop() {
		t.Fatal("OnTTSStop rejected in speaking")
	}
	if got := m.State(); got != StateListening {
		t.Fatalf("state=%s, want %s", got, StateListening)
	}
	if prev := m.Reset(); prev != StateListening {
		t.Fatalf("prev=%s, want %s", prev, StateListening)
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state=%s, want %s", got, StateIdle)
	}
}

func TestMachineRejectsOutOfOrderEvents(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		event func(*Machine) bool
	}{
		{name: "ack while idle", from: StateIdle, event: (*Machine).OnHelloAck},
		{name: "ack while listening", from: StateListening, event: (*Machine).OnHelloAck},
		{name: "tts start while idle", from: StateIdle, event: (*Machine).OnTTSStart},
		{name: "tts start while negotiating", from: StateNegotiating, event: (*Machine).OnTTSStart},
		{name: "tts stop while negotiating", from: StateNegotiating, event: (*Machine).OnTTSStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := machineIn(tt.from)
			if tt.event(m) {
				t.Fatal("event accepted, want rejected")
			}
			if got := m.State(); got != tt.from {
				t.Fatalf("state=%s, want %s", got, tt.from)
			}
		})
	}
}

func TestMachineHelloSupersedesSession(t *testing.T) {
	m := machineIn(StateSpeaking)
	if !m.HasSession() {
		t.Fatal("HasSession()=false while speaking")
	}
	if prev := m.OnHelloSent(); prev != StateSpeaking {
		t.Fatalf("prev=%s, want %s", prev, StateSpeaking)
	}
	if got := m.State(); got != StateNegotiating {
		t.Fatalf("state=%s, want %s", got, StateNegotiating)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":          ModeManual,
		"manual":    ModeManual,
		" AUTO ":    ModeAuto,
		"realtime":  ModeRealtime,
		"something": ModeManual,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Fatalf("ParseMode(%q)=%s, want %s", in, got, want)
		}
	}
}
