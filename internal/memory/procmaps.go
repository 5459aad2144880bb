package memory

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// findMapping scans a /proc/<pid>/maps listing for the mapping holding addr
// and returns its protection.
func findMapping(r io.Reader, addr uintptr) (Perm, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		start, end, ok, err := mapsRange(fields[0])
		if err != nil {
			return 0, err
		}
		if ok && uint64(addr) >= start && uint64(addr) < end {
			return mapsPerm(fields[1]), nil
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, errors.Wrapf(ErrAddressRange, "%#x is not mapped", addr)
}

// findReadable checks that every byte of [addr, addr+n) lies in readable
// mappings of a /proc/<pid>/maps listing, which is sorted by address.
func findReadable(r io.Reader, addr uintptr, n int) error {
	at, stop := uint64(addr), uint64(addr)+uint64(n)
	sc := bufio.NewScanner(r)
	for sc.Scan() && at < stop {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		start, end, ok, err := mapsRange(fields[0])
		if err != nil {
			return err
		}
		if !ok || at < start || at >= end {
			continue
		}
		if !mapsPerm(fields[1]).Readable() {
			return errors.Wrapf(ErrAddressRange, "%#x is not readable", at)
		}
		at = end
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if at < stop {
		return errors.Wrapf(ErrAddressRange, "%#x is not mapped", at)
	}
	return nil
}

func mapsRange(field string) (start, end uint64, ok bool, err error) {
	lo, hi, ok := strings.Cut(field, "-")
	if !ok {
		return 0, 0, false, nil
	}
	if start, err = strconv.ParseUint(lo, 16, 64); err != nil {
		return 0, 0, false, errors.Wrapf(err, "maps range %q", field)
	}
	if end, err = strconv.ParseUint(hi, 16, 64); err != nil {
		return 0, 0, false, errors.Wrapf(err, "maps range %q", field)
	}
	return start, end, true, nil
}

// findModule returns the start of the lowest mapping of the file name,
// matched by full path or base name. An empty name matches the first file
// mapping, which is the main executable.
func findModule(r io.Reader, name string) (uintptr, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		path := fields[5]
		if name != "" && path != name && filepath.Base(path) != name {
			continue
		}
		lo, _, _ := strings.Cut(fields[0], "-")
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "maps range %q", fields[0])
		}
		return uintptr(start), nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, errors.Errorf("module %q is not loaded", name)
}

// mapsPerm converts a permission column such as "r-xp".
func mapsPerm(s string) Perm {
	has := func(i int, c byte) bool { return len(s) > i && s[i] == c }
	r, w, x := has(0, 'r'), has(1, 'w'), has(2, 'x')
	switch {
	case x && w:
		return ExecuteReadWrite
	case x && r:
		return ExecuteRead
	case x:
		return Execute
	case w:
		return ReadWrite
	case r:
		return Read
	}
	return NoAccess
}
