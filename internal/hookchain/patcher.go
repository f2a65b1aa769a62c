package hookchain

// Patcher redirects one virtual method to the dispatcher.
//
// A ClassRegistry calls Install when its chain goes from empty to non-empty
// and Restore when it goes back to empty. Original returns the address
// captured by the last successful Install, or 0 when not installed.
type Patcher interface {
	Install() error
	Restore() error
	Original() uint64
}

// Delegate is a Patcher that hands the redirection to a host which already
// owns the slot and exposes its own registration calls. Original is always 0.
type Delegate struct {
	InstallFunc   func() error
	UninstallFunc func() error
}

// Install calls InstallFunc when set.
func (d Delegate) Install() error {
	if d.InstallFunc == nil {
		return nil
	}
	return d.InstallFunc()
}

// Restore calls UninstallFunc when set.
func (d Delegate) Restore() error {
	if d.UninstallFunc == nil {
		return nil
	}
	return d.UninstallFunc()
}

// Original implements Patcher.
func (d Delegate) Original() uint64 { return 0 }

// Delegated adapts a pair of infallible host callbacks.
func Delegated(install, uninstall func()) Delegate {
	return Delegate{
		InstallFunc: func() error {
			if install != nil {
				install()
			}
			return nil
		},
		UninstallFunc: func() error {
			if uninstall != nil {
				uninstall()
			}
			return nil
		},
	}
}
