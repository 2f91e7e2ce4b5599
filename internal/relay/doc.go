// Package relay tunnels logical connections between two nodes through a third
// node both are directly connected to.
//
// The initiator sends SYN through the relay and waits for ACK or NACK from the
// destination. Once acknowledged, both ends exchange DATA until one of them
// sends EOF. A relay that cannot reach the destination answers on its behalf
// with NACK (for SYN) or EOF (for anything else), so neither end waits on a
// dead path.
package relay
