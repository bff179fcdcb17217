// Package confirm runs the confirmation state machine: classify a request,
// prepare chain context, drive the UI, refresh the VRF challenge just in
// time, collect the credential, and return a sanitized decision.
package confirm

import "time"

// UIMode selects how the confirmation surface renders.
type UIMode string

const (
	UIModeSkip   UIMode = "skip"
	UIModeModal  UIMode = "modal"
	UIModeDrawer UIMode = "drawer"
)

// Behavior selects how the confirmation finalizes.
type Behavior string

const (
	BehaviorAutoProceed  Behavior = "autoProceed"
	BehaviorRequireClick Behavior = "requireClick"
)

// UIConfig is one confirmation configuration layer.
type UIConfig struct {
	UIMode           UIMode        `json:"uiMode,omitempty"`
	Behavior         Behavior      `json:"behavior,omitempty"`
	AutoProceedDelay time.Duration `json:"autoProceedDelay,omitempty"`
	Theme            string        `json:"theme,omitempty"`
}

// Platform describes the runtime environment the clamps depend on.
type Platform struct {
	Mobile       bool
	WalletIframe bool
}

// DefaultConfig is the built-in fallback.
func DefaultConfig() UIConfig {
	return UIConfig{
		UIMode:   UIModeModal,
		Behavior: BehaviorRequireClick,
		Theme:    "dark",
	}
}

// merge overlays b onto a, field by field.
func merge(a, b UIConfig) UIConfig {
	out := a
	if b.UIMode != "" {
		out.UIMode = b.UIMode
	}
	if b.Behavior != "" {
		out.Behavior = b.Behavior
	}
	if b.AutoProceedDelay != 0 {
		out.AutoProceedDelay = b.AutoProceedDelay
	}
	if b.Theme != "" {
		out.Theme = b.Theme
	}
	return out
}

// ResolveConfig merges the configuration layers (per-request override wins
// over persisted preferences, which win over the default) and applies the
// runtime clamps.
func ResolveConfig(requestType RequestType, override, preferences *UIConfig, platform Platform) UIConfig {
	cfg := DefaultConfig()
	if preferences != nil {
		cfg = merge(cfg, *preferences)
	}
	if override != nil {
		cfg = merge(cfg, *override)
	}

	// Decrypt flows never show a confirmation surface.
	if requestType == RequestDecryptPrivateKey {
		cfg.UIMode = UIModeSkip
		return cfg
	}

	// On mobile the activation must come from a visible, clicked surface.
	if platform.Mobile {
		cfg.Behavior = BehaviorRequireClick
		if cfg.UIMode == UIModeSkip {
			cfg.UIMode = UIModeModal
		}
	}

	// Registration and link-device inside the wallet iframe need the click
	// to land in the iframe itself.
	if platform.WalletIframe && (requestType == RequestRegistration || requestType == RequestLinkDevice) {
		cfg.UIMode = UIModeModal
		cfg.Behavior = BehaviorRequireClick
	}

	return cfg
}
