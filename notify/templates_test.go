package notify

import (
	"strings"
	"testing"
)

func TestRender_AllKnownTypes(t *testing.T) {
	data := TemplateData{
		CompanyName:   "Acme",
		RecipientName: "Dana",
		Reason:        "business closed",
		GraceEndsAt:   "2025-07-01",
		DaysRemaining: 7,
		DownloadURL:   "https://dl.example/artifact",
	}
	for typ := range templates {
		msg, err := Render(typ, "dana@acme.test", data)
		if err != nil {
			t.Fatalf("Render(%s): %v", typ, err)
		}
		if msg.To != "dana@acme.test" {
			t.Errorf("%s: to = %q", typ, msg.To)
		}
		if msg.Subject == "" || !strings.Contains(msg.Subject, "Acme") {
			t.Errorf("%s: subject %q does not mention the company", typ, msg.Subject)
		}
		if !strings.Contains(msg.Body, "Dana") {
			t.Errorf("%s: body does not greet the recipient", typ)
		}
		if !strings.HasSuffix(msg.Body, "\n") {
			t.Errorf("%s: body missing trailing newline", typ)
		}
	}
}

func TestRender_UnknownType(t *testing.T) {
	if _, err := Render(Type("password_reset"), "x@y.test", TemplateData{}); err == nil {
		t.Fatal("expected error for unknown notification type")
	}
}

func TestRender_ClosureInitiatedAdminVariant(t *testing.T) {
	data := TemplateData{CompanyName: "Acme", RecipientName: "Dana", Reason: "downsizing", GraceEndsAt: "2025-07-01"}

	plain, err := Render(TypeClosureInitiated, "member@acme.test", data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(plain.Body, "ACTION REQUIRED") {
		t.Error("member variant should not carry the admin call to action")
	}

	data.ActionRequired = true
	admin, err := Render(TypeClosureInitiated, "admin@acme.test", data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(admin.Body, "ACTION REQUIRED") {
		t.Error("admin variant missing the call to action")
	}
	if !strings.Contains(admin.Body, "2025-07-01") {
		t.Error("admin variant missing the grace period end date")
	}
}

func TestRender_GracePeriodEndingCountsDown(t *testing.T) {
	msg, err := Render(TypeGracePeriodEnding, "dana@acme.test", TemplateData{
		CompanyName:   "Acme",
		RecipientName: "Dana",
		GraceEndsAt:   "2025-07-01",
		DaysRemaining: 3,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg.Subject, "3 day(s)") {
		t.Errorf("subject %q missing countdown", msg.Subject)
	}
	if !strings.Contains(msg.Body, "irreversible") {
		t.Error("body missing the irreversibility warning")
	}
}

func TestRender_DataExportReadyCarriesLink(t *testing.T) {
	msg, err := Render(TypeDataExportReady, "dana@acme.test", TemplateData{
		CompanyName:   "Acme",
		RecipientName: "Dana",
		DownloadURL:   "https://dl.example/artifact?token=abc",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg.Body, "https://dl.example/artifact?token=abc") {
		t.Error("body missing the download link")
	}
}
