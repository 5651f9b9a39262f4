package il2patch

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

const dumpRowSize = 16

// HexDump renders data[off:off+n] with context bytes on either side as
// 16-byte rows (offset, hex, ASCII). The n bytes at off are highlighted.
func HexDump(data []byte, off, n, context int) string {
	highlight := color.New(color.FgGreen, color.Bold).SprintFunc()

	start := off - context
	if start < 0 {
		start = 0
	}
	start -= start % dumpRowSize
	end := off + n + context
	if end > len(data) {
		end = len(data)
	}

	var b strings.Builder
	for row := start; row < end; row += dumpRowSize {
		fmt.Fprintf(&b, "%08X  ", row)
		for i := row; i < row+dumpRowSize; i++ {
			switch {
			case i >= end:
				b.WriteString("   ")
			case i >= off && i < off+n:
				b.WriteString(highlight(fmt.Sprintf("%02X", data[i])) + " ")
			default:
				fmt.Fprintf(&b, "%02X ", data[i])
			}
			if i == row+7 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for i := row; i < row+dumpRowSize && i < end; i++ {
			c := data[i]
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteString("|\n")
	}
	return b.String()
}

// PrintWalkReport prints the outcome of every architecture and every descriptor
func PrintWalkReport(report *WalkReport, w io.Writer) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fprint(w, "\n=== Patch Report ===\n")
	if report == nil || len(report.Archs) == 0 {
		fprint(w, "No architectures found\n")
		return
	}

	for _, a := range report.Archs {
		var status string
		switch a.Status {
		case StatusPatched:
			status = green(a.Status.String())
		case StatusUnmatched:
			status = yellow(a.Status.String())
		default:
			status = red(a.Status.String())
		}

		fprint(w, "\n%s: %s", a.Arch, status)
		if a.Status != StatusPayloadMissing {
			fprint(w, " (%s, %s)", filepath.Base(a.Path), humanize.Bytes(uint64(a.Size)))
		}
		if len(a.Results) > 0 {
			fprint(w, " %d/%d applied", a.Applied(), len(a.Results))
		}
		fprintln(w)

		for _, res := range a.Results {
			switch {
			case res.Applied:
				fprint(w, "  %s %s at 0x%X\n", green("[+]"), res.Descriptor.Label, res.Offset)
				fprint(w, "      %s -> %s\n", BytePattern(res.Before), res.Descriptor.Replace)
			case res.Err != nil:
				fprint(w, "  %s %s: %v\n", red("[!]"), res.Descriptor.Label, res.Err)
			default:
				fprint(w, "  %s %s: signature not found\n", yellow("[-]"), res.Descriptor.Label)
			}
		}
	}

	rejected := 0
	for _, a := range report.Archs {
		rejected += len(a.Failed())
	}
	fprint(w, "\nSummary: %d of %d architectures patched", report.Patched(), len(report.Archs))
	if rejected > 0 {
		fprint(w, ", %s", red(fmt.Sprintf("%d patches rejected", rejected)))
	}
	fprintln(w)
}

// PrintDescriptorSet prints the descriptors grouped by architecture, plus any rejected ones
func PrintDescriptorSet(set *DescriptorSet, w io.Writer) {
	fprint(w, "Patch file: %s (%s)\n", set.Source, set.Format)
	fprint(w, "Patches:    %d\n", set.Len())
	for _, arch := range set.Architectures() {
		descs := set.ForArch(arch)
		fprint(w, "\n%s (%d):\n", arch, len(descs))
		for _, d := range descs {
			fprint(w, "  #%d %s\n", d.Index, d.Label)
			fprint(w, "     find:    %s\n", d.Find)
			fprint(w, "     replace: %s\n", d.Replace)
		}
	}
	if len(set.Skipped) > 0 {
		fprint(w, "\nSkipped (%d):\n", len(set.Skipped))
		for _, err := range set.Skipped {
			fprint(w, "  %v\n", err)
		}
	}
}

// PrintArchiveInfo prints archive entry counts, architectures and signer
func PrintArchiveInfo(info *ArchiveInfo, w io.Writer) {
	fprint(w, "Archive:        %s\n", info.Path)
	fprint(w, "Entries:        %d (%d stored, %d deflated)\n",
		info.Entries, info.StoredEntries, info.Entries-info.StoredEntries)

	fprint(w, "\nArchitectures:\n")
	if len(info.Archs) == 0 {
		fprint(w, "  (none)\n")
	}
	for _, a := range info.Archs {
		if a.PayloadSize < 0 {
			fprint(w, "  %-14s payload missing\n", a.Arch)
			continue
		}
		fprint(w, "  %-14s %s (%s)\n", a.Arch, humanize.Bytes(uint64(a.PayloadSize)), methodName(a.Stored))
	}

	fprint(w, "\nV1 Signature:\n")
	if info.Signer == nil {
		fprint(w, "  (none)\n")
		return
	}
	s := info.Signer
	fprint(w, "  Subject:     %s\n", s.Subject)
	fprint(w, "  Issuer:      %s\n", s.Issuer)
	fprint(w, "  Serial:      %s\n", s.Serial)
	fprint(w, "  SHA-256:     %s\n", s.SHA256)
	if s.IsExpired() {
		fprint(w, "  Expires:     %s (EXPIRED)\n", s.NotAfter.Format("2006-01-02"))
	} else {
		fprint(w, "  Expires:     %s (%s)\n", s.NotAfter.Format("2006-01-02"), humanize.Time(s.NotAfter))
	}
}
