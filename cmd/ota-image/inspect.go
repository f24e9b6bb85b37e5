package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"zigbee-zcl/internal/zcl/ota"
)

type elementView struct {
	Tag  string `json:"tag" yaml:"tag"`
	Name string `json:"name" yaml:"name"`
	Size int    `json:"size" yaml:"size"`
}

type imageView struct {
	Manufacturer string        `json:"manufacturer" yaml:"manufacturer"`
	ImageType    string        `json:"image_type" yaml:"image_type"`
	FileVersion  string        `json:"file_version" yaml:"file_version"`
	StackVersion uint16        `json:"stack_version" yaml:"stack_version"`
	HeaderString string        `json:"header_string" yaml:"header_string"`
	TotalSize    uint32        `json:"total_size" yaml:"total_size"`
	Destination  string        `json:"destination,omitempty" yaml:"destination,omitempty"`
	Hardware     string        `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Elements     []elementView `json:"elements" yaml:"elements"`
}

func tagName(tag uint16) string {
	switch tag {
	case ota.TagUpgradeImage:
		return "upgrade image"
	case ota.TagECDSASignature:
		return "ECDSA signature"
	case ota.TagECDSACertificate:
		return "ECDSA certificate"
	case ota.TagImageIntegrityCode:
		return "image integrity code"
	}
	return "unknown"
}

func newImageView(h ota.ImageHeader, elements []ota.Element) imageView {
	v := imageView{
		Manufacturer: fmt.Sprintf("0x%04X", h.Manufacturer),
		ImageType:    fmt.Sprintf("0x%04X", h.ImageType),
		FileVersion:  fmt.Sprintf("0x%08X", h.FileVersion),
		StackVersion: h.StackVersion,
		HeaderString: h.HeaderString,
		TotalSize:    h.TotalImageSize,
		Elements:     make([]elementView, 0, len(elements)),
	}
	if h.Destination != nil {
		v.Destination = h.Destination.String()
	}
	if h.Hardware != nil {
		v.Hardware = fmt.Sprintf("0x%04X-0x%04X", h.Hardware.Min, h.Hardware.Max)
	}
	for _, e := range elements {
		v.Elements = append(v.Elements, elementView{
			Tag:  fmt.Sprintf("0x%04X", e.Tag),
			Name: tagName(e.Tag),
			Size: len(e.Data),
		})
	}
	return v
}

func writeImageView(w io.Writer, v imageView, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Manufacturer:\t%s\n", v.Manufacturer)
	fmt.Fprintf(tw, "Image type:\t%s\n", v.ImageType)
	fmt.Fprintf(tw, "File version:\t%s\n", v.FileVersion)
	fmt.Fprintf(tw, "Stack version:\t%d\n", v.StackVersion)
	fmt.Fprintf(tw, "Header string:\t%s\n", v.HeaderString)
	fmt.Fprintf(tw, "Total size:\t%d\n", v.TotalSize)
	if v.Destination != "" {
		fmt.Fprintf(tw, "Destination:\t%s\n", v.Destination)
	}
	if v.Hardware != "" {
		fmt.Fprintf(tw, "Hardware:\t%s\n", v.Hardware)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TAG\tNAME\tSIZE")
	for _, e := range v.Elements {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Tag, e.Name, e.Size)
	}
	return tw.Flush()
}

func newInspectCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the header and sub-elements of an upgrade file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			h, elements, err := ota.ParseImage(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return writeImageView(cmd.OutOrStdout(), newImageView(h, elements), format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}
