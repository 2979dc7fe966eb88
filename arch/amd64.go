// +build amd64

package arch

// TrapInstruction contains the int3 trap instruction for the x86-64 platform
var TrapInstruction = []byte{0xcc} // int3
