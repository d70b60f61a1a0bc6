package wire

import "fmt"

// debugLine renders one WAYLAND_DEBUG-style trace line for a decoded
// message: interface, object, opcode, and the argument payload size in
// bytes. Individual argument values are not decoded or printed; only the
// dispatcher knows the argument signature.
func debugLine(iface string, object uint32, opcode uint16, argBytes int) string {
	return fmt.Sprintf("%s@%d.%d [%d arg bytes]", iface, object, opcode, argBytes)
}
