// Package device holds the transport-neutral BLE vocabulary shared by the
// scanner, the UART manager and the go-ble backend: advertisement and scanner
// interfaces, discovered GATT layout, UUID normalisation and the connection
// error taxonomy.
package device
