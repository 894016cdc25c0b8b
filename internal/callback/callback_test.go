package callback

import "testing"

func TestParseEncodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"instance", EncodeInstanceSwitch("inst-abc123")},
		{"kill", EncodeInstanceKill("inst-abc123")},
		{"session", EncodeSessionSwitch("sess-xyz789")},
		{"delete", EncodeSessionDelete("sess-xyz789")},
		{"perm", EncodePermission("y", "req-1")},
		{"question", EncodeQuestion("req-2", 3)},
		{"thread", EncodeThreadInstance(42, "inst-abc123")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, err := Parse(tc.data)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.data, err)
			}
			if action.Kind == Unknown {
				t.Fatalf("parse %q: got Unknown kind", tc.data)
			}
		})
	}
}

func TestParsePermissionFields(t *testing.T) {
	action, err := Parse("perm:a:req-42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if action.Kind != Permission || action.PermAction != "a" || action.RequestID != "req-42" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestParseQuestionFields(t *testing.T) {
	action, err := Parse("q:req-9:2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if action.Kind != Question || action.RequestID != "req-9" || action.OptionIdx != 2 {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestParseThreadInstanceFields(t *testing.T) {
	action, err := Parse("thread_inst:7:inst-abc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if action.Kind != ThreadInstance || action.ThreadID != 7 || action.InstanceID != "inst-abc" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestParseMalformedPermissionErrors(t *testing.T) {
	if _, err := Parse("perm:y"); err == nil {
		t.Fatalf("expected error for malformed permission callback")
	}
}

func TestParseUnknownPrefixIsNotAnError(t *testing.T) {
	action, err := Parse("something:else")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != Unknown {
		t.Fatalf("expected Unknown kind, got %v", action.Kind)
	}
}

func TestCallbackDataUnder64Bytes(t *testing.T) {
	uuidLike := "0123456789abcdef0123456789abcdef" // 32 bytes, longer than a uuid.New()[:12] id
	cases := []string{
		EncodeInstanceSwitch(uuidLike),
		EncodeInstanceKill(uuidLike),
		EncodeSessionSwitch(uuidLike),
		EncodeSessionDelete(uuidLike),
		EncodePermission("a", uuidLike),
		EncodeQuestion(uuidLike, 5),
		EncodeThreadInstance(123456789, uuidLike),
	}
	for _, data := range cases {
		if len(data) > 64 {
			t.Fatalf("callback_data %q exceeds 64 bytes (%d)", data, len(data))
		}
	}
}
