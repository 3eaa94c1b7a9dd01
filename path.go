package squashfs

import "strings"

// normalizePath validates and normalizes a tree path per spec §4.6: it must be
// absolute and contain no "." or ".." components. Empty components are
// dropped, so "//" collapses to "/" and a trailing slash is removed
// ("/a//b/" normalizes to "/a/b").
func normalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", ErrInvalidFilePath
	}
	if p == "/" {
		return "/", nil
	}
	comps, err := splitComponents(p)
	if err != nil {
		return "", err
	}
	return "/" + strings.Join(comps, "/"), nil
}

// splitComponents decomposes a normalized absolute path into its non-empty,
// non-"."/".." components.
func splitComponents(p string) ([]string, error) {
	if p == "" || p[0] != '/' {
		return nil, ErrInvalidFilePath
	}
	parts := strings.Split(p, "/")
	comps := make([]string, 0, len(parts))
	for _, c := range parts {
		switch c {
		case "":
			continue
		case ".", "..":
			return nil, ErrInvalidFilePath
		default:
			if strings.ContainsRune(c, 0) {
				return nil, ErrInvalidFilePath
			}
			comps = append(comps, c)
		}
	}
	return comps, nil
}

// parentPath returns the normalized parent path of p ("/" for top-level entries).
// p must already be normalized.
func parentPath(p string) string {
	if p == "/" {
		return "/"
	}
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

// baseName returns the final path component of a normalized path.
func baseName(p string) string {
	if p == "/" {
		return ""
	}
	idx := strings.LastIndexByte(p, '/')
	return p[idx+1:]
}

// joinPath joins a normalized parent path with a single child component.
func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// validateName rejects a directory-entry name containing '/' or equal to '.'/'..',
// per spec §4.5's directory-entry failure mode.
func validateName(name string) error {
	if name == "" {
		return ErrUndefinedFileName
	}
	if name == "." || name == ".." {
		return ErrInvalidFilePath
	}
	if strings.ContainsRune(name, '/') {
		return ErrInvalidFilePath
	}
	return nil
}
