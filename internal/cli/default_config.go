package cli

// defaultConfigFileContent is used when no configuration file is found on
// any of the search paths, and as the seed file written under the snap
// user data directory on first run (see initConfigSnap).
const defaultConfigFileContent = `
version: "1"
server:
  realm: turnrelay
  software: turnd
  workers: 100
  reuseport: true
  listen:
    - "0.0.0.0:3478"
  debug:
    collect: false
  port_range:
    min: 0
    max: 0
  overrides:
    mapped_address: ""
  prometheus:
    active: true
    addr: ""
  pprof: ""
auth:
  stun: false
  public: false
  mechanism: static
  static: []
  password: ""
  shared_secret: ""
filter:
  peer:
    action: allow
    rules: []
  client:
    action: allow
    rules: []
api:
  addr: ""
`
