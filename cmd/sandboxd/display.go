package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/provisioning"
	"github.com/steveyegge/sandboxd/internal/types"
)

// statusStyle returns the icon and colour for a sandbox status
func statusStyle(s types.SandboxStatus) (string, *color.Color) {
	switch {
	case s == types.SandboxStatusStarted:
		return "●", color.New(color.FgGreen)
	case s == types.SandboxStatusFailed:
		return "✗", color.New(color.FgRed)
	case s == types.SandboxStatusStopped:
		return "○", color.New(color.FgHiBlack)
	case s.IsProvisioning():
		return "◐", color.New(color.FgYellow)
	default:
		return "○", color.New(color.FgHiBlack)
	}
}

// displayStatusUpdate prints one provisioning transition
func displayStatusUpdate(u events.StatusUpdate) {
	icon, c := statusStyle(u.Status)
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("%s [%s] %s", c.Sprint(icon), u.At.Local().Format("15:04:05"), c.Sprint(u.Status))
	if u.SandboxID != "" {
		fmt.Printf(" %s", gray(u.SandboxID))
	}
	fmt.Println()
	if u.PreviewURL != "" {
		fmt.Printf("  Preview: %s\n", u.PreviewURL)
	}
	if u.Error != "" {
		fmt.Printf("  %s\n", color.New(color.FgRed).Sprint(u.Error))
	}
}

// displayReport prints a project's sandbox report
func displayReport(r provisioning.SandboxReport) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	icon, c := statusStyle(r.Status)

	fmt.Printf("\n%s\n\n", cyan("=== Project "+r.ProjectID+" ==="))
	fmt.Printf("  %s %s\n", c.Sprint(icon), c.Sprint(r.Status))
	if r.SandboxID != "" {
		fmt.Printf("    Sandbox:  %s\n", r.SandboxID)
	} else {
		fmt.Printf("    Sandbox:  %s\n", gray("none"))
	}
	fmt.Printf("    Provider: %s\n", r.ProviderState)
	if r.PreviewURL != "" {
		fmt.Printf("    Preview:  %s\n", r.PreviewURL)
	}
	if r.Provisioning {
		fmt.Printf("    %s\n", color.New(color.FgYellow).Sprint("Provisioning in progress"))
	}
	if r.Error != "" {
		fmt.Printf("    Error:    %s\n", color.New(color.FgRed).Sprint(r.Error))
	}
	fmt.Println()
}

// displayProject prints one line of a project listing
func displayProject(p *types.Project) {
	icon, c := statusStyle(p.SandboxStatus)
	gray := color.New(color.FgHiBlack).SprintFunc()
	title := p.Title
	if title == "" {
		title = gray("(untitled)")
	}
	fmt.Printf("  %s %-20s %-24s %s\n", c.Sprint(icon), p.ID, title,
		gray(fmt.Sprintf("%s, updated %s ago", p.SandboxStatus, time.Since(p.UpdatedAt).Round(time.Second))))
}
