package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/guestkit"
	"github.com/guestkit/guestkit/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:           "guestkit",
	Short:         "Launch and talk to guestkit appliances",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "Verbose output (appliance console to stderr)")
	pf.Bool("trace", false, "Trace protocol calls")
	pf.StringP("backend", "b", "", "Backend selector (direct, libvirt, libvirt:URI)")
	pf.StringP("memory", "m", "", "Appliance memory size (e.g. 768M, 2G)")
	pf.Int("smp", 0, "Number of appliance vCPUs")
	pf.String("hv", "", "Hypervisor binary override")
	pf.String("append", "", "Extra kernel command line text")
	pf.String("log-file", "", "Write events as JSON lines to this file")

	viper.BindPFlag("verbose", pf.Lookup("verbose"))
	viper.BindPFlag("trace", pf.Lookup("trace"))
	viper.BindPFlag("backend", pf.Lookup("backend"))
	viper.BindPFlag("memory", pf.Lookup("memory"))
	viper.BindPFlag("smp", pf.Lookup("smp"))
	viper.BindPFlag("hv", pf.Lookup("hv"))
	viper.BindPFlag("append", pf.Lookup("append"))
	viper.BindPFlag("log-file", pf.Lookup("log-file"))
}

// newHandle builds a handle from the GUESTKIT_* environment with
// command line flags layered on top.
func newHandle(cmd *cobra.Command) (*guestkit.Handle, error) {
	s, err := api.SettingsFromEnv()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetBool("verbose"); v {
		s.Verbose = true
	}
	if v, _ := flags.GetBool("trace"); v {
		s.Trace = true
	}
	if b, _ := flags.GetString("backend"); b != "" {
		s.Backend = b
	}
	if m, _ := flags.GetString("memory"); m != "" {
		mb, err := api.ParseMemorySize(m)
		if err != nil {
			return nil, err
		}
		s.MemoryMB = mb
	}
	if n, _ := flags.GetInt("smp"); n > 0 {
		s.CPUs = n
	}
	if hv, _ := flags.GetString("hv"); hv != "" {
		s.Hypervisor = hv
	}
	if a, _ := flags.GetString("append"); a != "" {
		s.Append = a
	}

	h, err := guestkit.NewWithSettings(s)
	if err != nil {
		return nil, err
	}

	if path, _ := flags.GetString("log-file"); path != "" {
		sink, err := logging.NewJSONLWriter(path)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.AddSink(sink)
	}
	return h, nil
}

// addDriveFlags registers the drive flags shared by every command
// that launches an appliance.
func addDriveFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("drive", "a", nil, "Add a drive (read-write)")
	cmd.Flags().StringArray("drive-ro", nil, "Add a drive with a protective overlay (read-only)")
	cmd.Flags().StringArray("scratch", nil, "Add a throwaway scratch drive of the given size (e.g. 1G)")
}

func addDrives(cmd *cobra.Command, h *guestkit.Handle) error {
	drives, _ := cmd.Flags().GetStringArray("drive")
	for _, path := range drives {
		if err := h.AddDrive(api.Drive{Protocol: api.DriveProtocolFile, Path: path}); err != nil {
			return err
		}
	}
	ro, _ := cmd.Flags().GetStringArray("drive-ro")
	for _, path := range ro {
		if err := h.AddDriveRO(path); err != nil {
			return err
		}
	}
	scratch, _ := cmd.Flags().GetStringArray("scratch")
	for _, size := range scratch {
		mb, err := api.ParseMemorySize(size)
		if err != nil {
			return err
		}
		if err := h.AddDriveScratch(int64(mb)*1024*1024, ""); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	guestkit.RegisterDefaults()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "guestkit: %v\n", err)
		os.Exit(1)
	}
}
