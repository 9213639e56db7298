// Package canbus provides the CAN frame layer that the J1939 stack runs on.
//
// It includes:
//   - Frame, with validation and the SocketCAN binary layout
//   - Bus, the opaque transport every adapter implements
//   - LoopbackBus, an in-memory bus used by tests and ECU simulations
//   - Mux, a single reader fanning frames out to filtered subscribers
//   - a zerolog decorator for send/receive tracing
//   - adapters for Linux SocketCAN and serial SLCAN devices
package canbus
