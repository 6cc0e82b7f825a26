package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/KarpelesLab/squashfs"
)

const usage = `mksquashfs - build a SquashFS image from a directory tree

Usage:
  mksquashfs [flags] --source-dir DIR OUTPUT.squashfs

Flags:
`

func main() {
	flags := flag.NewFlagSet("mksquashfs", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	sourceDir := flags.String("source-dir", "", "directory tree to pack")
	manifest := flags.String("manifest", "", "manifest file describing the tree (not yet supported, reserved for parity with squashfs-tools-ng)")
	defaults := flags.String("defaults", "", "fstree defaults, e.g. mode=0755,uid=0,gid=0")
	compName := flags.String("comp", "gzip", "compressor: gzip|xz|lzo|lz4|zstd")
	compExtra := flags.String("comp-extra", "", "compressor options, e.g. level=9")
	blockSize := flags.Uint("block-size", 131072, "data block size in bytes")
	numWorkers := flags.Int("num-workers", runtime.NumCPU(), "number of goroutines compressing data blocks concurrently")
	backlog := flags.Int("backlog", 0, "block queue backlog bound (default 2*num-workers)")
	devBlkSz := flags.Uint("devblksz", 4096, "device block size padding for the final image")
	exportable := flags.Bool("exportable", false, "build a NFS-exportable image (writes the inode export table)")

	flags.Parse(os.Args[1:])

	if *backlog == 0 {
		*backlog = 2 * *numWorkers
	}

	args := flags.Args()
	if len(args) != 1 {
		flags.Usage()
		os.Exit(1)
	}
	outPath := args[0]

	if *manifest != "" {
		fmt.Fprintln(os.Stderr, "Error: --manifest is not yet supported, use --source-dir")
		os.Exit(1)
	}
	if *sourceDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --source-dir is required")
		os.Exit(1)
	}

	if err := run(*sourceDir, outPath, *compName, *compExtra, uint32(*blockSize), uint32(*devBlkSz), *numWorkers, *backlog, *exportable, *defaults); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(sourceDir, outPath, compName, compExtra string, blockSize, devBlkSz uint32, numWorkers, backlog int, exportable bool, defaults string) error {
	comp, err := parseCompressor(compName)
	if err != nil {
		return err
	}

	opts := []squashfs.WriterOption{
		squashfs.WithBlockSize(blockSize),
		squashfs.WithCompression(comp),
		squashfs.WithExportable(exportable),
		squashfs.WithNumWorkers(numWorkers),
		squashfs.WithBacklog(backlog),
	}

	if defaults != "" {
		fsDefaults, err := parseDefaults(defaults)
		if err != nil {
			return err
		}
		opts = append(opts, squashfs.WithDefaults(fsDefaults))
	}

	// SOURCE_DATE_EPOCH (https://reproducible-builds.org/specs/source-date-epoch/)
	// overrides the image's recorded modification time for reproducible builds.
	if epoch, ok := os.LookupEnv("SOURCE_DATE_EPOCH"); ok {
		sec, err := strconv.ParseInt(epoch, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SOURCE_DATE_EPOCH %q: %w", epoch, err)
		}
		opts = append(opts, squashfs.WithModTime(time.Unix(sec, 0)))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	w, err := squashfs.NewWriter(out, opts...)
	if err != nil {
		return fmt.Errorf("failed to create writer: %w", err)
	}

	if compExtra != "" {
		if err := applyCompressorOptions(w, compExtra); err != nil {
			return err
		}
	}

	srcFS := os.DirFS(sourceDir)
	w.SetSourceFS(srcFS)

	if err := fs.WalkDir(srcFS, ".", w.Add); err != nil {
		return fmt.Errorf("failed to walk %s: %w", sourceDir, err)
	}

	if err := w.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize image: %w", err)
	}

	if devBlkSz > 0 {
		if err := padToDeviceBlock(out, devBlkSz); err != nil {
			return fmt.Errorf("failed to pad output to device block size: %w", err)
		}
	}

	return nil
}

func parseCompressor(name string) (squashfs.SquashComp, error) {
	switch strings.ToLower(name) {
	case "gzip", "gz":
		return squashfs.GZip, nil
	case "lzma":
		return squashfs.LZMA, nil
	case "lzo":
		return squashfs.LZO, nil
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

// applyCompressorOptions checks the --comp-extra key=val,... syntax and
// rejects entries without an '='. It does not apply any key to w or to the
// compressor: every image is written with the compressor's default options.
func applyCompressorOptions(w *squashfs.Writer, spec string) error {
	for _, pair := range strings.Split(spec, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid --comp-extra entry %q, expected key=val", pair)
		}
	}
	return nil
}

func padToDeviceBlock(f *os.File, devBlkSz uint32) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	rem := size % int64(devBlkSz)
	if rem == 0 {
		return nil
	}
	pad := int64(devBlkSz) - rem
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err = f.Write(make([]byte, pad))
	return err
}

// parseDefaults parses the fstree "defaults" grammar (mode=0755,uid=0,gid=0)
// applied to every inode sourced from --source-dir, since a plain directory
// walk (unlike a manifest) has no per-entry override of its own. mode is an
// octal permission value in 0-07777; uid/gid are decimal. Unknown keys are
// rejected.
func parseDefaults(spec string) (squashfs.FSDefaults, error) {
	var out squashfs.FSDefaults
	for _, pair := range strings.Split(spec, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return out, fmt.Errorf("invalid --defaults entry %q, expected key=val", pair)
		}
		key, val := kv[0], kv[1]

		switch key {
		case "mode":
			mode, err := strconv.ParseUint(val, 8, 32)
			if err != nil {
				return out, fmt.Errorf("invalid --defaults mode %q: %w", val, err)
			}
			if mode > 07777 {
				return out, fmt.Errorf("invalid --defaults mode %q: must be between 0 and 07777", val)
			}
			m := uint32(mode)
			out.Mode = &m
		case "uid":
			uid, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return out, fmt.Errorf("invalid --defaults uid %q: %w", val, err)
			}
			u := uint32(uid)
			out.UID = &u
		case "gid":
			gid, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return out, fmt.Errorf("invalid --defaults gid %q: %w", val, err)
			}
			g := uint32(gid)
			out.GID = &g
		default:
			return out, fmt.Errorf("unknown --defaults key %q", key)
		}
	}
	return out, nil
}
