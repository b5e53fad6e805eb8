package magma

// Version is the library version reported to nodes in the Client-Name
// header.
const Version = "1.0.0"
