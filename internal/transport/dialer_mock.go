//go:build !real_waku

package transport

// NewDialer returns the backend selected by cfg. Only the in-memory
// network is available in this build; the go-waku backend requires the
// real_waku build tag.
func NewDialer(cfg Config) (Dialer, error) {
	cfg = NormalizeConfig(cfg)
	if err := ValidateBootstrapNodes(cfg.BootstrapNodes); err != nil {
		return nil, err
	}
	return NewNetwork(), nil
}
