// Package bus is the broadcast channel between instances.
//
// Every message travels as an [Envelope]: a kind tag, the sender id, an
// optional recipient id and a msgpack-encoded body. The set of kinds is
// closed. [Envelope.Decode] turns a body into one of the payload types of
// this package and validates it, so code past the channel boundary never
// sees a malformed message.
//
// Two transports are provided. [Hub] connects instances living in the same
// process. [Multicast] connects instances on one host through a UDP
// multicast group. Delivery is fire-and-forget in both: a subscriber that
// falls behind loses messages rather than slowing down the sender.
package bus
