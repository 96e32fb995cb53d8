// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"os/user"

	"github.com/charmbracelet/huh"

	"github.com/sigil-dev/bastion/internal/plugin"
	"github.com/sigil-dev/bastion/internal/plugin/lifecycle"
)

// terminalPrompter asks the operator through huh forms. It must only be used
// when stdin is a terminal.
type terminalPrompter struct {
	out io.Writer
}

var _ lifecycle.Prompter = (*terminalPrompter)(nil)

func (p *terminalPrompter) ConfirmUnsigned(ctx context.Context, name string, src plugin.Source) (bool, error) {
	var ok bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Install unsigned plugin %q?", name)).
			Description(fmt.Sprintf("From %s. Its origin cannot be verified.", src)).
			Affirmative("Install").
			Negative("Cancel").
			Value(&ok),
	)).RunWithContext(ctx)
	return ok, err
}

func (p *terminalPrompter) Approve(ctx context.Context, req lifecycle.ApprovalRequest) (lifecycle.ApprovalDecision, error) {
	printApprovalRequest(p.out, req)

	d := lifecycle.ApprovalDecision{DecidedBy: operator()}
	fields := []huh.Field{
		huh.NewConfirm().
			Title(fmt.Sprintf("Allow %s %s to run with these permissions?", req.Manifest.Name, req.Manifest.Version)).
			Affirmative("Approve").
			Negative("Deny").
			Value(&d.Approved),
	}
	if req.Elevated {
		fields = append(fields, huh.NewConfirm().
			Title("Grant the full requested permissions instead of the workspace-only minimum?").
			Description("This plugin is flagged as shell-executing or agent-generated.").
			Affirmative("Grant requested").
			Negative("Keep minimal").
			Value(&d.Broaden))
	}
	if len(req.SensitiveEnv) > 0 {
		fields = append(fields, huh.NewMultiSelect[string]().
			Title("Release sensitive environment variables?").
			Description("These match credential patterns and stay hidden unless selected.").
			Options(huh.NewOptions(req.SensitiveEnv...)...).
			Value(&d.SensitiveEnv))
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).RunWithContext(ctx); err != nil {
		return lifecycle.ApprovalDecision{}, err
	}
	return d, nil
}

func printApprovalRequest(w io.Writer, req lifecycle.ApprovalRequest) {
	m := req.Manifest
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s %s requests:", m.Name, m.Version)))
	if m.Author != "" {
		field(w, "author", m.Author)
	}
	field(w, "network", req.Requested.Network)
	field(w, "filesystem", req.Requested.Filesystem)
	field(w, "env", req.Requested.Env)
	if req.Elevated {
		fmt.Fprintln(w, warnStyle.Render("  elevated: ")+"default grant is limited to:")
		field(w, "  filesystem", req.Minimal.Filesystem)
	}
	if req.Previous != nil {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("  permissions changed since %s was approved", req.Previous.Version)))
	}
	fmt.Fprintln(w)
}

func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

// prompterFor picks how approvals are answered: --yes approves, a terminal
// asks, anything else cannot approve.
func (a *app) prompterFor(assumeYes bool, out io.Writer) lifecycle.Prompter {
	switch {
	case assumeYes:
		return lifecycle.AssumeYes{By: "cli --yes"}
	case a.interactive():
		return &terminalPrompter{out: out}
	default:
		return nil
	}
}
