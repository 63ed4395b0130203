package goplan_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

func TestIdentityKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"email normalized", goplan.EmailKey("  Alice@Example.COM "), "email:alice@example.com"},
		{"blank email", goplan.EmailKey("   "), ""},
		{"subject trimmed", goplan.UserKey(" auth0|AbC "), "user:auth0|AbC"},
		{"subject keeps case", goplan.UserKey("User_1"), "user:User_1"},
		{"blank subject", goplan.UserKey(""), ""},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}

	if !goplan.IsUserKey("user:x") || goplan.IsUserKey("email:x") {
		t.Error("IsUserKey misclassified a key")
	}
	if !goplan.IsEmailKey("email:x") || goplan.IsEmailKey("user:x") {
		t.Error("IsEmailKey misclassified a key")
	}
}

func TestPlan_Satisfies(t *testing.T) {
	if !goplan.PlanPro.Satisfies(goplan.PlanFree) || !goplan.PlanPro.Satisfies(goplan.PlanPro) {
		t.Error("pro must satisfy free and pro")
	}
	if goplan.PlanFree.Satisfies(goplan.PlanPro) {
		t.Error("free must not satisfy pro")
	}
	if goplan.Plan("enterprise").Valid() || goplan.Plan("enterprise").Satisfies(goplan.PlanFree) {
		t.Error("unknown plans are invalid and rank below free")
	}
}

func TestNewIdentity(t *testing.T) {
	if id := goplan.NewIdentity("  ", "a@b.co"); id != nil {
		t.Errorf("blank subject: got %+v, want nil", id)
	}
	id := goplan.NewIdentity(" sub_1 ", " a@b.co ")
	if id == nil || id.Subject != "sub_1" || id.Email != "a@b.co" {
		t.Errorf("got %+v", id)
	}
}

func TestStatusFrom(t *testing.T) {
	if s := goplan.StatusFrom(nil); s.Plan != goplan.PlanFree || s.UpdatedAt != nil {
		t.Errorf("nil entitlement: got %+v", s)
	}

	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := goplan.StatusFrom(&goplan.PlanEntitlement{
		IdentityKey: "user:u1",
		Plan:        goplan.PlanPro,
		UpdatedAt:   updated,
		Source:      "polar",
	})
	if s.Plan != goplan.PlanPro || s.Identity != "user:u1" || s.Source != "polar" {
		t.Errorf("got %+v", s)
	}
	if s.UpdatedAt == nil || !s.UpdatedAt.Equal(updated) {
		t.Errorf("updatedAt = %v", s.UpdatedAt)
	}

	data, err := json.Marshal(goplan.FreeStatus())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"plan":"free"}` {
		t.Errorf("free status JSON = %s", data)
	}
}

func TestClaimResult_Plan(t *testing.T) {
	var nilResult *goplan.ClaimResult
	if nilResult.Plan() != goplan.PlanFree {
		t.Error("nil result must resolve to free")
	}
	if (&goplan.ClaimResult{Outcome: goplan.ClaimNotFound}).Plan() != goplan.PlanFree {
		t.Error("not found must resolve to free")
	}
	res := &goplan.ClaimResult{
		Outcome:     goplan.ClaimMerged,
		Entitlement: &goplan.PlanEntitlement{Plan: goplan.PlanPro},
	}
	if res.Plan() != goplan.PlanPro || res.Outcome.String() != "merged" {
		t.Errorf("got %q / %q", res.Plan(), res.Outcome)
	}
}

func TestWebhookEvent_CloneCopiesPayload(t *testing.T) {
	ev := &goplan.WebhookEvent{EventID: "evt_1", Payload: json.RawMessage(`{"a":1}`)}
	c := ev.Clone()
	c.Payload[2] = 'b'
	if string(ev.Payload) != `{"a":1}` {
		t.Errorf("original payload mutated: %s", ev.Payload)
	}
	if (*goplan.WebhookEvent)(nil).Clone() != nil {
		t.Error("nil clone must be nil")
	}
}

func TestValidateEvent(t *testing.T) {
	if err := goplan.ValidateEvent(&goplan.WebhookEvent{EventID: "e", EventType: "t"}); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
	for _, ev := range []*goplan.WebhookEvent{nil, {EventType: "t"}, {EventID: "e"}} {
		if err := goplan.ValidateEvent(ev); err == nil {
			t.Errorf("expected error for %+v", ev)
		}
	}
}
