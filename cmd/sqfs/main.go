// Command sqfs inspects, extracts from, and builds SquashFS images.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/sq4go/squashfs"
)

func main() {
	app := &cli.App{
		Name:  "sqfs",
		Usage: "inspect and build SquashFS images",
		Commands: []*cli.Command{
			lsCommand(),
			catCommand(),
			infoCommand(),
			extractCommand(),
			mksquashfsCommand(),
			addCommand(),
			replaceCommand(),
			rmCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "sqfs: %s\n", err)
		os.Exit(1)
	}
}

func openImage(path string) (*squashfs.Filesystem, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fsys, err := squashfs.ReadImage(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return fsys, f, nil
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list files inside a SquashFS image",
		ArgsUsage: "<image> [path]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return cli.Exit("missing image path", 1)
			}
			dir := "/"
			if c.Args().Len() > 1 {
				dir = c.Args().Get(1)
			}
			fsys, f, err := openImage(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()

			children, err := fsys.ChildrenOf(dir)
			if err != nil {
				return err
			}
			for _, n := range children {
				printEntry(n)
			}
			return nil
		},
	}
}

func printEntry(n *squashfs.Node) {
	mtime := time.Unix(int64(n.Header.MTime), 0).Format("Jan 02 15:04")
	fmt.Printf("%s %5d %5d %8d %s %s\n", n.Mode(), n.Header.UID, n.Header.GID, n.Header.Ino, mtime, n.FullPath)
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print a file's contents",
		ArgsUsage: "<image> <path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("usage: sqfs cat <image> <path>", 1)
			}
			fsys, f, err := openImage(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := fsys.Find(c.Args().Get(1))
			if err != nil {
				return err
			}
			r, err := fsys.Reader(n)
			if err != nil {
				return err
			}
			_, err = io.Copy(os.Stdout, r)
			return err
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "print superblock and summary statistics",
		ArgsUsage: "<image>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return cli.Exit("missing image path", 1)
			}
			fsys, f, err := openImage(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()

			var files, dirs, symlinks int
			for _, n := range fsys.Files() {
				switch n.Kind {
				case squashfs.NodeDir:
					dirs++
				case squashfs.NodeSymlink:
					symlinks++
				case squashfs.NodeFile:
					files++
				}
			}
			fmt.Printf("entries:     %d\n", len(fsys.Files()))
			fmt.Printf("directories: %d\n", dirs)
			fmt.Printf("files:       %d\n", files)
			fmt.Printf("symlinks:    %d\n", symlinks)
			return nil
		},
	}
}

func extractCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "extract an image (or a subtree) to a directory",
		ArgsUsage: "<image> <destination>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Value: "/", Usage: "only extract entries under this path"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("usage: sqfs extract <image> <destination>", 1)
			}
			fsys, f, err := openImage(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()

			dest := c.Args().Get(1)
			prefix := c.String("path")
			filter := func(path string) bool { return strings.HasPrefix(path, prefix) }
			for _, n := range fsys.Files() {
				switch n.Kind {
				case squashfs.NodeDir, squashfs.NodeFile, squashfs.NodeSymlink:
				default:
					if filter(n.FullPath) {
						logrus.WithField("path", n.FullPath).Warn("sqfs: skipping device/fifo/socket node during extraction")
					}
				}
			}
			return fsys.ExtractTo(dest, filter)
		},
	}
}

func mksquashfsCommand() *cli.Command {
	return &cli.Command{
		Name:      "mksquashfs",
		Usage:     "build a SquashFS image from a source directory",
		ArgsUsage: "<source-dir> <image>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "comp", Value: "gzip", Usage: "compressor: gzip, lzma, xz, lz4, zstd"},
			&cli.UintFlag{Name: "block-size", Value: 128 * 1024},
			&cli.BoolFlag{Name: "no-fragments"},
			&cli.BoolFlag{Name: "no-duplicates"},
			&cli.BoolFlag{Name: "export-table"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("usage: sqfs mksquashfs <source-dir> <image>", 1)
			}
			comp, err := parseCompressor(c.String("comp"))
			if err != nil {
				return err
			}
			opts := []squashfs.WriterOption{
				squashfs.WithWriterCompressor(comp),
				squashfs.WithWriterBlockSize(uint32(c.Uint("block-size"))),
			}
			if c.Bool("no-fragments") {
				opts = append(opts, squashfs.WithNoFragments())
			}
			if c.Bool("no-duplicates") {
				opts = append(opts, squashfs.WithNoDuplicateData())
			}
			if c.Bool("export-table") {
				opts = append(opts, squashfs.WithExportTable())
			}
			w := squashfs.NewWriter(opts...)
			if err := pushTree(w, c.Args().First(), "/"); err != nil {
				return err
			}
			out, err := os.Create(c.Args().Get(1))
			if err != nil {
				return err
			}
			defer out.Close()
			_, _, err = w.Write(out)
			return err
		},
	}
}

// rewriteImage opens an existing image, hands its tree to mutate as a Writer,
// and rewrites the image in place once mutate returns successfully. The
// source file must stay open through w.Write: unchanged nodes keep streaming
// their content from the original image's reader-backed source rather than
// buffering it, so closing it early would fail the write. The new image is
// built in a sibling temp file and renamed over the original so a failure
// partway through never leaves a truncated image behind.
func rewriteImage(path string, mutate func(w *squashfs.Writer) error) error {
	fsys, f, err := openImage(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := fsys.IntoWriter()
	if err := mutate(w); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sqfs-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, _, err := w.Write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "add a host file into an existing image",
		ArgsUsage: "<image> <host-file> <dest-path>",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "mode", Value: 0644, Usage: "permission bits for the new entry"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 3 {
				return cli.Exit("usage: sqfs add <image> <host-file> <dest-path>", 1)
			}
			hostPath, dest := c.Args().Get(1), c.Args().Get(2)
			info, err := os.Stat(hostPath)
			if err != nil {
				return err
			}
			hdr := squashfs.Header{Mode: uint16(c.Uint("mode")), MTime: int32(info.ModTime().Unix())}
			src := &osFileSource{path: hostPath, size: info.Size()}
			return rewriteImage(c.Args().First(), func(w *squashfs.Writer) error {
				return w.PushFile(dest, hdr, src)
			})
		},
	}
}

func replaceCommand() *cli.Command {
	return &cli.Command{
		Name:      "replace",
		Usage:     "swap the content of an existing file entry",
		ArgsUsage: "<image> <dest-path> <host-file>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 3 {
				return cli.Exit("usage: sqfs replace <image> <dest-path> <host-file>", 1)
			}
			dest, hostPath := c.Args().Get(1), c.Args().Get(2)
			info, err := os.Stat(hostPath)
			if err != nil {
				return err
			}
			src := &osFileSource{path: hostPath, size: info.Size()}
			return rewriteImage(c.Args().First(), func(w *squashfs.Writer) error {
				return w.ReplaceFile(dest, src)
			})
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a path (and its subtree, if a directory) from an image",
		ArgsUsage: "<image> <path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("usage: sqfs rm <image> <path>", 1)
			}
			path := c.Args().Get(1)
			return rewriteImage(c.Args().First(), func(w *squashfs.Writer) error {
				_, err := w.Remove(path)
				return err
			})
		},
	}
}

func parseCompressor(name string) (squashfs.SquashComp, error) {
	switch strings.ToLower(name) {
	case "gzip", "zlib":
		return squashfs.GZip, nil
	case "lzma":
		return squashfs.LZMA, nil
	case "xz":
		return squashfs.XZ, nil
	case "lz4":
		return squashfs.LZ4, nil
	case "zstd":
		return squashfs.ZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compressor %q", name)
	}
}

// osFileSource adapts an on-disk file into a squashfs.DataSource, reopening
// it on every Open so the Writer can stream it lazily during Write.
type osFileSource struct {
	path string
	size int64
}

func (s *osFileSource) Open() (io.ReadCloser, error) { return os.Open(s.path) }
func (s *osFileSource) Size() int64                  { return s.size }

func pushTree(w *squashfs.Writer, srcDir, dstPath string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(srcDir, e.Name())
		dstChild := strings.TrimSuffix(dstPath, "/") + "/" + e.Name()
		info, err := e.Info()
		if err != nil {
			return err
		}
		// ModeToUnix keeps setuid/setgid/sticky bits that info.Mode().Perm()
		// alone would drop; masking off the type bits (>= 0o10000) leaves the
		// permission-ish bits this library's Header.Mode field carries.
		hdr := squashfs.Header{
			Mode: uint16(squashfs.ModeToUnix(info.Mode()) & 0o7777), MTime: int32(info.ModTime().Unix()),
		}
		switch {
		case e.IsDir():
			if err := w.PushDir(dstChild, hdr); err != nil {
				return err
			}
			if err := pushTree(w, srcPath, dstChild); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			if err := w.PushSymlink(dstChild, hdr, target); err != nil {
				return err
			}
		default:
			src := &osFileSource{path: srcPath, size: info.Size()}
			if err := w.PushFile(dstChild, hdr, src); err != nil {
				return err
			}
		}
	}
	return nil
}
