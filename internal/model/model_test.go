package model

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestAddressParseRoundTrip(t *testing.T) {
	a := NewAddress(42, 7)
	got, err := ParseAddress(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != a {
		t.Fatalf("got %v want %v", got, a)
	}
	if _, err := ParseAddress("42"); err == nil {
		t.Fatal("expected error for address without device")
	}
}

func TestPayloadKeepsVersionTag(t *testing.T) {
	s, err := EncodePayload(NewPayload(true, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		t.Fatalf("raw: %v", err)
	}
	if v, ok := raw["v"]; !ok || v.(float64) != 0 {
		t.Fatalf("missing version tag in %s", s)
	}

	p, err := DecodePayload(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.PreKey || !reflect.DeepEqual(p.Ciphertext, []byte{1, 2, 3}) {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestPayloadRejectsUnknownOrMissingVersion(t *testing.T) {
	for _, s := range []string{
		`{"v":1,"prekey":false,"payload":"AQ=="}`,
		`{"prekey":false,"payload":"AQ=="}`,
	} {
		if _, err := DecodePayload(s); !errors.Is(err, ErrUnsupportedPayloadVersion) {
			t.Fatalf("%s: expected ErrUnsupportedPayloadVersion, got %v", s, err)
		}
	}
	if _, err := DecodePayload(`{"v":0,"prekey":false}`); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := DecodePayload("payload"); err == nil {
		t.Fatal("expected error for non-json payload")
	}
}

func TestChatMessageVariants(t *testing.T) {
	g := GroupId("g1")
	msgs := []ChatMessage{
		Text{Timestamp: 1700000000000, Message: "hello", GroupId: &g},
		GroupEvent{Join: &GroupJoin{Id: g, Joined: []UserId{2, 3}}},
		GroupEvent{Part: &GroupPart{Id: g}},
		GroupEvent{Invitation: &GroupInvitation{Id: g, Name: "team", Members: []UserId{4}}},
		Control{WasAdded: true},
	}
	for _, m := range msgs {
		b, err := EncodeChatMessage(m)
		if err != nil {
			t.Fatalf("encode %T: %v", m, err)
		}
		got, err := DecodeChatMessage(b)
		if err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("got %#v want %#v", got, m)
		}
	}
}

func TestDecodeChatMessageRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"invalid",
		`{"t":"x","m":{}}`,
		`{"t":"t"}`,
		`{"t":"g","m":{"t":"z","m":{}}}`,
		`{"t":"c","m":{"t":"q"}}`,
		`{"t":"t","m":{"timestamp":"nope"}}`,
	} {
		if _, err := DecodeChatMessage([]byte(s)); !errors.Is(err, ErrInvalidChatMessage) {
			t.Fatalf("%s: expected ErrInvalidChatMessage, got %v", s, err)
		}
	}
}

func TestEncodeGroupEventRequiresExactlyOne(t *testing.T) {
	if _, err := EncodeChatMessage(GroupEvent{}); !errors.Is(err, ErrInvalidChatMessage) {
		t.Fatalf("expected error, got %v", err)
	}
	ev := GroupEvent{Join: &GroupJoin{Id: "a"}, Part: &GroupPart{Id: "a"}}
	if _, err := EncodeChatMessage(ev); !errors.Is(err, ErrInvalidChatMessage) {
		t.Fatalf("expected error, got %v", err)
	}
}

func TestMetadataConversation(t *testing.T) {
	g := GroupId("g")
	e := NewSenderMessageEntry(5, &g, CategoryGroup, nil)
	if !e.Metadata.Conversation().IsGroup() {
		t.Fatal("expected group conversation")
	}
	if err := e.Metadata.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	e = NewSenderMessageEntry(5, nil, CategoryText, nil)
	if id, ok := e.Metadata.Conversation().User(); !ok || id != 5 {
		t.Fatalf("unexpected conversation %v", e.Metadata.Conversation())
	}
}
