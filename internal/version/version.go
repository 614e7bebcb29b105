package version

// Version is the current nanoreg release version
const Version = "0.3.1"
