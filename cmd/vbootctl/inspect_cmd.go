package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/open-edge-platform/verified-boot/internal/gpt"
	"github.com/open-edge-platform/verified-boot/internal/nvstorage"
	"github.com/open-edge-platform/verified-boot/internal/utils/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Output format command flags
var (
	outputFormat string = "text"
	prettyJSON   bool   = false
)

func addOutputFlags(fs *pflag.FlagSet) {
	fs.StringVar(&outputFormat, "format", "text",
		"Specify the output format for the inspection results")
	fs.BoolVar(&prettyJSON, "pretty", false,
		"Pretty-print JSON output (only for --format json)")
}

// createInspectCommand creates the inspect subcommand tree.
func createInspectCommand() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect verified-boot structures",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch outputFormat {
			case "text", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported --format %q (supported: text, json, yaml)", outputFormat)
			}
		},
	}

	addOutputFlags(inspectCmd.PersistentFlags())

	inspectCmd.AddCommand(&cobra.Command{
		Use:   "gpt [flags] IMAGE_FILE",
		Short: "Show the kernel partition table state of a disk image",
		Args:  cobra.ExactArgs(1),
		RunE:  executeInspectGPT,
	})
	inspectCmd.AddCommand(&cobra.Command{
		Use:   "nv [flags] BLOCK_FILE",
		Short: "Decode a 16-byte non-volatile policy block",
		Args:  cobra.ExactArgs(1),
		RunE:  executeInspectNV,
	})

	return inspectCmd
}

// GPTSummary holds the table state as the boot firmware sees it.
type GPTSummary struct {
	File         string `json:"file" yaml:"file"`
	DiskGUID     string `json:"diskGuid" yaml:"diskGuid"`
	SectorBytes  uint32 `json:"sectorBytes" yaml:"sectorBytes"`
	DriveSectors uint64 `json:"driveSectors" yaml:"driveSectors"`

	// RepairNeeded lists the table copies a boot would rewrite.
	RepairNeeded []string `json:"repairNeeded,omitempty" yaml:"repairNeeded,omitempty"`

	Kernels []KernelSummary `json:"kernels" yaml:"kernels"`
}

// KernelSummary holds one kernel partition's boot-relevant state.
type KernelSummary struct {
	Index      int    `json:"index" yaml:"index"`
	Name       string `json:"name" yaml:"name"`
	GUID       string `json:"guid" yaml:"guid"`
	StartLBA   uint64 `json:"startLba" yaml:"startLba"`
	SizeLBA    uint64 `json:"sizeLba" yaml:"sizeLba"`
	Priority   int    `json:"priority" yaml:"priority"`
	Tries      int    `json:"tries" yaml:"tries"`
	Successful bool   `json:"successful" yaml:"successful"`
}

// fileDisk adapts a read-only image file to the sector-addressed disk
// interface.
type fileDisk struct {
	f           *os.File
	sectorBytes uint32
}

func (d *fileDisk) Read(startLBA, countLBA uint64, dst []byte) error {
	n := countLBA * uint64(d.sectorBytes)
	_, err := d.f.ReadAt(dst[:n], int64(startLBA*uint64(d.sectorBytes)))
	return err
}

func (d *fileDisk) Write(startLBA, countLBA uint64, src []byte) error {
	return errors.New("image opened read-only")
}

func executeInspectGPT(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	imageFile := args[0]
	log.Infof("Inspecting GPT of image file: %s", imageFile)

	disk, err := diskfs.Open(imageFile)
	if err != nil {
		return fmt.Errorf("open disk image: %w", err)
	}
	sectorBytes := uint32(disk.LogicalBlocksize)
	driveSectors := uint64(disk.Size) / uint64(disk.LogicalBlocksize)
	if err := disk.Close(); err != nil {
		log.Warnf("Failed to close disk image: %v", err)
	}

	img, err := os.Open(imageFile)
	if err != nil {
		return fmt.Errorf("open image file: %w", err)
	}
	defer img.Close()

	data := &gpt.Data{
		SectorBytes:  sectorBytes,
		DriveSectors: driveSectors,
	}
	fd := &fileDisk{f: img, sectorBytes: sectorBytes}
	if err := gpt.AllocAndRead(fd, data); err != nil {
		return fmt.Errorf("read GPT: %w", err)
	}
	if err := gpt.Init(data); err != nil {
		return fmt.Errorf("parse GPT: %w", err)
	}

	summary, err := summarizeGPT(imageFile, data)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), summary, printGPTSummary)
}

func summarizeGPT(imageFile string, data *gpt.Data) (*GPTSummary, error) {
	h, err := gpt.ReadHeader(data.PrimaryHeader)
	if err != nil {
		return nil, err
	}

	summary := &GPTSummary{
		File:         imageFile,
		DiskGUID:     gpt.GUIDToUUID(h.DiskGUID).String(),
		SectorBytes:  data.SectorBytes,
		DriveSectors: data.DriveSectors,
	}
	for bit, name := range map[uint8]string{
		gpt.ModifiedHeader1:  "primary-header",
		gpt.ModifiedHeader2:  "secondary-header",
		gpt.ModifiedEntries1: "primary-entries",
		gpt.ModifiedEntries2: "secondary-entries",
	} {
		if data.Modified&bit != 0 {
			summary.RepairNeeded = append(summary.RepairNeeded, name)
		}
	}

	for i := 0; i < int(h.NumberOfEntries); i++ {
		e, err := gpt.GetEntry(data.PrimaryEntries, i)
		if err != nil {
			return nil, err
		}
		if !gpt.IsKernelEntry(e) {
			continue
		}
		summary.Kernels = append(summary.Kernels, KernelSummary{
			Index:      i + 1,
			Name:       gpt.EntryName(e),
			GUID:       gpt.GUIDToUUID(e.UniqueGUID).String(),
			StartLBA:   e.StartingLBA,
			SizeLBA:    e.EndingLBA - e.StartingLBA + 1,
			Priority:   gpt.EntryPriority(e),
			Tries:      gpt.EntryTries(e),
			Successful: gpt.EntrySuccessful(e),
		})
	}
	return summary, nil
}

func printGPTSummary(w io.Writer, s *GPTSummary) {
	fmt.Fprintf(w, "Image:         %s\n", s.File)
	fmt.Fprintf(w, "Disk GUID:     %s\n", s.DiskGUID)
	fmt.Fprintf(w, "Geometry:      %d sectors x %d bytes\n", s.DriveSectors, s.SectorBytes)
	if len(s.RepairNeeded) > 0 {
		fmt.Fprintf(w, "Repair needed: %v\n", s.RepairNeeded)
	}
	fmt.Fprintf(w, "Kernel partitions:\n")
	for _, k := range s.Kernels {
		fmt.Fprintf(w, "  %2d %-12s prio=%-2d tries=%-2d successful=%-5v lba=%d+%d %s\n",
			k.Index, k.Name, k.Priority, k.Tries, k.Successful, k.StartLBA, k.SizeLBA, k.GUID)
	}
}

// NVSummary holds the decoded policy block.
type NVSummary struct {
	File     string `json:"file" yaml:"file"`
	CRCValid bool   `json:"crcValid" yaml:"crcValid"`

	Fields map[string]uint32 `json:"fields" yaml:"fields"`
}

var nvFieldNames = []struct {
	field nvstorage.Field
	name  string
}{
	{nvstorage.FirmwareSettingsReset, "firmware_settings_reset"},
	{nvstorage.KernelSettingsReset, "kernel_settings_reset"},
	{nvstorage.DebugResetMode, "debug_reset_mode"},
	{nvstorage.TryBCount, "try_b_count"},
	{nvstorage.RecoveryRequest, "recovery_request"},
	{nvstorage.LocalizationIndex, "localization_index"},
	{nvstorage.KernelField, "kernel_field"},
	{nvstorage.DevBootUSB, "dev_boot_usb"},
	{nvstorage.DevBootSignedOnly, "dev_boot_signed_only"},
	{nvstorage.DisableDevRequest, "disable_dev_request"},
	{nvstorage.OpromNeeded, "oprom_needed"},
	{nvstorage.ClearTPMOwnerRequest, "clear_tpm_owner_request"},
	{nvstorage.ClearTPMOwnerDone, "clear_tpm_owner_done"},
	{nvstorage.FWTryNext, "fw_try_next"},
	{nvstorage.FWTried, "fw_tried"},
	{nvstorage.FWResult, "fw_result"},
	{nvstorage.FWPrevTried, "fw_prev_tried"},
	{nvstorage.FWPrevResult, "fw_prev_result"},
}

func executeInspectNV(cmd *cobra.Command, args []string) error {
	blockFile := args[0]
	raw, err := os.ReadFile(blockFile)
	if err != nil {
		return fmt.Errorf("read policy block: %w", err)
	}
	if len(raw) < nvstorage.BlockSize {
		return fmt.Errorf("policy block too short: %d bytes, need %d", len(raw), nvstorage.BlockSize)
	}

	var nv nvstorage.Context
	copy(nv.Raw[:], raw)
	before := nv.Raw
	nv.Setup()

	summary := &NVSummary{
		File:     blockFile,
		CRCValid: nv.Raw == before,
		Fields:   make(map[string]uint32, len(nvFieldNames)),
	}
	for _, f := range nvFieldNames {
		v, err := nv.Get(f.field)
		if err != nil {
			return err
		}
		summary.Fields[f.name] = v
	}
	return writeResult(cmd.OutOrStdout(), summary, printNVSummary)
}

func printNVSummary(w io.Writer, s *NVSummary) {
	fmt.Fprintf(w, "Block:     %s\n", s.File)
	fmt.Fprintf(w, "CRC valid: %v\n", s.CRCValid)
	for _, f := range nvFieldNames {
		fmt.Fprintf(w, "  %-24s 0x%02x\n", f.name, s.Fields[f.name])
	}
}

func writeResult[T any](out io.Writer, result T, printText func(io.Writer, T)) error {
	switch outputFormat {
	case "text":
		printText(out, result)
		return nil

	case "json":
		var (
			b   []byte
			err error
		)
		if prettyJSON {
			b, err = json.MarshalIndent(result, "", "  ")
		} else {
			b, err = json.Marshal(result)
		}
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(b))
		return nil

	case "yaml":
		b, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(b))
		return nil

	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}
