// Package libvirt reaches a guest's emulation monitor through libvirtd.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - A passthrough Emulator for the vfio-user device manager
//
// Guests started by libvirt keep their monitor socket to libvirtd, so the
// agent cannot dial it directly. The passthrough Session sends each command
// through QEMUDomainMonitorCommand, receives events through a QEMU event
// subscription, and verifies the hot-plug bus against the live domain XML:
//
//	emu := libvirt.NewEmulator(libvirt.EmulatorConfig{Domain: "guest0"}, log)
//	sess, err := emu.Open(ctx)
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	exists, err := monitor.DeviceExists(ctx, sess, "nqn_2016_06_io_spdk_vfiouser_0")
//
// Consumer-Side Interfaces:
//
// The Session depends on the domainClient interface listing only the
// libvirt calls it makes. *libvirt.Libvirt satisfies it implicitly, and
// tests substitute a mock.
package libvirt
