package sunset

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Installer is one hook of a hook set, placed relative to a module base.
type Installer interface {
	Install(h *Hooker, base uintptr) error
}

// Inline is an inline hook at base+Offset. Hook is set once installed.
type Inline struct {
	Name     string
	Offset   uintptr
	Callback uintptr
	Hook     *Hook
}

func (i *Inline) Install(h *Hooker, base uintptr) error {
	hk, err := h.InlineHook(base+i.Offset, i.Callback)
	if hk != nil {
		i.Hook = hk
	}
	return err
}

// Replace redirects a function to Detour. If *Slot is zero it is first set
// to base+Offset; after installation it holds the callable original.
type Replace struct {
	Name   string
	Offset uintptr
	Slot   *uintptr
	Detour uintptr
}

func (r *Replace) Install(h *Hooker, base uintptr) error {
	if r.Slot == nil {
		return errors.Wrap(ErrTransaction, "replace hook without a slot")
	}
	if *r.Slot == 0 {
		*r.Slot = base + r.Offset
	}
	return h.ReplaceHook(r.Slot, r.Detour)
}

func installerName(in Installer) string {
	switch v := in.(type) {
	case *Inline:
		return v.Name
	case *Replace:
		return v.Name
	}
	return ""
}

// Install runs every installer against base and keeps going past failures.
// The returned error joins one error per failed installer.
func Install(h *Hooker, base uintptr, installers ...Installer) error {
	var errs []error
	for n, in := range installers {
		err := in.Install(h, base)
		if err == nil {
			continue
		}
		name := installerName(in)
		if name == "" {
			errs = append(errs, errors.WithMessagef(err, "hook #%d", n))
		} else {
			errs = append(errs, errors.WithMessagef(err, "hook %s", name))
		}
		h.logger().Debug().Str("hook", name).Err(err).Msg("install failed")
	}
	return stderrors.Join(errs...)
}
