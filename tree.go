package squashfs

import (
	"io"
	"io/fs"
	"sort"
	"strings"
)

// NodeKind discriminates the payload carried by a tree Node.
type NodeKind int

const (
	NodeFile NodeKind = iota
	NodeDir
	NodeSymlink
	NodeCharDevice
	NodeBlockDevice
	NodeFifo
	NodeSocket
)

// Header carries the metadata common to every inode kind (spec §3's inode header).
type Header struct {
	Mode  uint16 // permission bits only, e.g. 0644
	UID   uint32
	GID   uint32
	MTime int32
	Ino   uint32 // inode number; reassigned by the writer on Write
}

// DataSource lazily provides a file's content. The writer only opens it during
// the data phase of Write, so a tree can be built up front with sources that
// aren't read until serialization.
type DataSource interface {
	Open() (io.ReadCloser, error)
	Size() int64
}

// Node is one entry in the filesystem tree: a file, directory, symlink, device,
// fifo, or socket, addressed by its normalized absolute path. Nodes are kept in
// a slice sorted by FullPath (spec §4.6) rather than as a parent/child pointer
// tree, so ChildrenOf is a contiguous-range query instead of a pointer walk.
type Node struct {
	FullPath string
	Kind     NodeKind
	Header   Header

	// Populated for NodeFile nodes read from an existing image: the extent
	// description needed to reconstruct a FileReader without re-touching the
	// inode table.
	reader      *source
	blocksStart uint64
	blockSizes  []uint32 // DataSize-encoded: low 24 bits size, bit 24 = stored-uncompressed
	fragIndex   uint32
	fragOffset  uint32
	fileSize    uint64

	// Populated for NodeFile nodes pushed into a writer tree that haven't been
	// flushed to the data stream yet. Mutually exclusive with the reader-backed
	// fields above; ReplaceFile swaps one for the other.
	writerSrc DataSource

	// NodeSymlink
	symTarget string

	// NodeCharDevice / NodeBlockDevice
	rdev uint32
}

func (n *Node) IsDir() bool { return n.Kind == NodeDir }

// unixMode reconstructs the Linux stat(2) st_mode-equivalent value for n: the
// S_IF* type bits implied by its Kind, OR'd with the permission (and
// setuid/setgid/sticky) bits carried in Header.Mode.
func (n *Node) unixMode() uint32 {
	var typeBits uint32
	switch n.Kind {
	case NodeDir:
		typeBits = S_IFDIR
	case NodeSymlink:
		typeBits = S_IFLNK
	case NodeBlockDevice:
		typeBits = S_IFBLK
	case NodeCharDevice:
		typeBits = S_IFCHR
	case NodeFifo:
		typeBits = S_IFIFO
	case NodeSocket:
		typeBits = S_IFSOCK
	default:
		typeBits = S_IFREG
	}
	return typeBits | uint32(n.Header.Mode)
}

// Mode returns n's fs.FileMode, type bits and permissions combined, the way
// a POSIX stat(2) call would report it.
func (n *Node) Mode() fs.FileMode {
	return UnixToMode(n.unixMode())
}

// SymlinkTarget returns the link target of a NodeSymlink node.
func (n *Node) SymlinkTarget() string { return n.symTarget }

// Rdev returns the packed major/minor device number of a NodeCharDevice or
// NodeBlockDevice node.
func (n *Node) Rdev() uint32 { return n.rdev }

// Size returns the logical content length of a NodeFile node.
func (n *Node) Size() uint64 { return n.fileSize }

// Tree is the sorted-by-path node set shared by the reader and the writer.
type Tree struct {
	nodes []*Node
}

// newTree returns a tree containing only the root directory.
func newTree(rootHeader Header) *Tree {
	rootHeader.Mode |= 0 // permissions only, type is carried by Kind
	return &Tree{nodes: []*Node{{FullPath: "/", Kind: NodeDir, Header: rootHeader}}}
}

// search returns the index of path in the sorted node slice and whether it was found.
func (t *Tree) search(path string) (int, bool) {
	i := sort.Search(len(t.nodes), func(i int) bool { return t.nodes[i].FullPath >= path })
	if i < len(t.nodes) && t.nodes[i].FullPath == path {
		return i, true
	}
	return i, false
}

// Find looks up a normalized absolute path.
func (t *Tree) Find(path string) (*Node, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if i, ok := t.search(path); ok {
		return t.nodes[i], nil
	}
	return nil, ErrFileNotFound
}

// Insert adds n at its sorted position. n.FullPath must already be normalized.
// The parent directory must already exist; inserting over an existing path is
// a duplicate-name error.
func (t *Tree) Insert(n *Node) error {
	if n.FullPath != "/" {
		parent, err := t.Find(parentPath(n.FullPath))
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return ErrNotDirectory
		}
	}
	i, ok := t.search(n.FullPath)
	if ok {
		return ErrDuplicatedFileName
	}
	t.nodes = append(t.nodes, nil)
	copy(t.nodes[i+1:], t.nodes[i:])
	t.nodes[i] = n
	return nil
}

// PushDirAll inserts every missing ancestor of path (and path itself) as a
// directory carrying hdr, and is a no-op for any that already exist. Applying
// it twice with the same arguments yields the same tree as applying it once.
func (t *Tree) PushDirAll(path string, hdr Header) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	comps, err := splitComponents(path)
	if err != nil {
		return err
	}
	cur := "/"
	for _, c := range comps {
		cur = joinPath(cur, c)
		if _, ok := t.search(cur); ok {
			continue
		}
		if err := t.Insert(&Node{FullPath: cur, Kind: NodeDir, Header: hdr}); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the node at path and every descendant (every node whose
// FullPath starts with path+"/"), returning how many nodes were removed.
func (t *Tree) Remove(path string) (int, error) {
	path, err := normalizePath(path)
	if err != nil {
		return 0, err
	}
	if path == "/" {
		return 0, ErrInvalidFilePath
	}
	i, ok := t.search(path)
	if !ok {
		return 0, ErrFileNotFound
	}
	prefix := path + "/"
	j := i + 1
	for j < len(t.nodes) && strings.HasPrefix(t.nodes[j].FullPath, prefix) {
		j++
	}
	n := j - i
	t.nodes = append(t.nodes[:i], t.nodes[j:]...)
	return n, nil
}

// ChildrenOf returns the direct children of path, in sorted order.
func (t *Tree) ChildrenOf(path string) ([]*Node, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	parent, err := t.Find(path)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, ErrNotDirectory
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	i, _ := t.search(prefix)
	var out []*Node
	for ; i < len(t.nodes); i++ {
		rest := strings.TrimPrefix(t.nodes[i].FullPath, prefix)
		if rest == t.nodes[i].FullPath {
			break // no longer under prefix
		}
		if rest == "" {
			continue // path itself (the root), not a child
		}
		if strings.ContainsRune(rest, '/') {
			continue // grandchild, not a direct child
		}
		out = append(out, t.nodes[i])
	}
	return out, nil
}

// ReplaceFile swaps the data source of an existing file node, keeping its
// header intact.
func (t *Tree) ReplaceFile(path string, src DataSource) error {
	n, err := t.Find(path)
	if err != nil {
		return err
	}
	if n.Kind != NodeFile {
		return ErrUnexpectedInode
	}
	n.reader = nil
	n.blockSizes = nil
	n.writerSrc = src
	n.fileSize = uint64(src.Size())
	return nil
}

// All returns every node in sorted order. Callers must not mutate the slice.
func (t *Tree) All() []*Node {
	return t.nodes
}

// clone returns a shallow copy of the tree: a new node slice with copies of
// each Node struct, so a Writer seeded from a parsed image can mutate its own
// tree without corrupting the Filesystem it came from.
func (t *Tree) clone() *Tree {
	nodes := make([]*Node, len(t.nodes))
	for i, n := range t.nodes {
		cp := *n
		nodes[i] = &cp
	}
	return &Tree{nodes: nodes}
}
