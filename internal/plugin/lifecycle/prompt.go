// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package lifecycle

import (
	"context"

	"github.com/sigil-dev/bastion/internal/plugin"
)

// AssumeYes approves every request without asking. Elevated plugins still
// get the minimal set and no sensitive variable is released.
type AssumeYes struct {
	// By is recorded as the decider.
	By string
}

func (a AssumeYes) ConfirmUnsigned(context.Context, string, plugin.Source) (bool, error) {
	return true, nil
}

func (a AssumeYes) Approve(context.Context, ApprovalRequest) (ApprovalDecision, error) {
	by := a.By
	if by == "" {
		by = "assume-yes"
	}
	return ApprovalDecision{Approved: true, DecidedBy: by}, nil
}
