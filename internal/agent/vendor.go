package agent

import (
	"fmt"
	"strings"
)

type Vendor string

const (
	VendorClaude Vendor = "claude"
	VendorCodex  Vendor = "codex"
	VendorGemini Vendor = "gemini"
)

// Vendors lists every supported vendor in display order.
var Vendors = []Vendor{VendorClaude, VendorCodex, VendorGemini}

func ParseVendor(value string) (Vendor, error) {
	vendor := Vendor(strings.ToLower(strings.TrimSpace(value)))
	if !vendor.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownVendor, value)
	}
	return vendor, nil
}

func (v Vendor) Valid() bool {
	switch v {
	case VendorClaude, VendorCodex, VendorGemini:
		return true
	default:
		return false
	}
}

func (v Vendor) String() string {
	return string(v)
}

// Binary is the executable name resolved on PATH.
func (v Vendor) Binary() string {
	return string(v)
}

func (v Vendor) DisplayName() string {
	switch v {
	case VendorClaude:
		return "Claude Code"
	case VendorCodex:
		return "Codex CLI"
	case VendorGemini:
		return "Gemini CLI"
	default:
		return string(v)
	}
}

// SupportsControl reports whether the vendor speaks the interactive control
// protocol used for permission prompts.
func (v Vendor) SupportsControl() bool {
	return v == VendorClaude
}

// args builds the CLI arguments for a streaming run. The prompt itself is
// delivered on stdin as the first input message.
func (v Vendor) args(config RunConfig) []string {
	model := strings.TrimSpace(config.Model)
	resume := strings.TrimSpace(config.ResumeSessionID)
	switch v {
	case VendorClaude:
		args := []string{
			"-p",
			"--output-format", "stream-json",
			"--input-format", "stream-json",
			"--verbose",
			"--permission-prompt-tool", "stdio",
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		if resume != "" {
			args = append(args, "--resume", resume)
		}
		return args
	case VendorCodex:
		args := []string{"exec", "--json", "--skip-git-repo-check"}
		if model != "" {
			args = append(args, "--model", model)
		}
		if resume != "" {
			args = append(args, "resume", resume)
		}
		return append(args, "-")
	case VendorGemini:
		args := []string{"--output-format", "stream-json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		if resume != "" {
			args = append(args, "--resume", resume)
		}
		return args
	default:
		return nil
	}
}
