package command

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-guard/core"
)

func TestReleaseLockMessage_ValidateReturnsRichError(t *testing.T) {
	err := (ReleaseLockMessage{}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.GuardErrorValidation {
		t.Fatalf("expected %q text code, got %q", core.GuardErrorValidation, rich.TextCode)
	}
}

func TestUpsertLimitRuleMessage_WrapsRuleValidation(t *testing.T) {
	err := (UpsertLimitRuleMessage{Tenant: "acme", Operation: "webhook.process"}).Validate()
	if err == nil {
		t.Fatalf("expected rule validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
}

func TestReleaseLockCommand_NilServiceReturnsRichError(t *testing.T) {
	var cmd *ReleaseLockCommand
	err := cmd.Execute(context.Background(), ReleaseLockMessage{})
	if err == nil {
		t.Fatalf("expected command dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}
