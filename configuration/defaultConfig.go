package configuration

// defaultConfig loaded anyway when server starts
// may be extended/replaced by user-provided config later
var defaultConfig = []byte(`
version: v0.1.0
broker:
  name: embroker
system:
  log:
    console:
      level: info # available levels: debug, info, warn, error, dpanic, panic, fatal
listeners:
  defaultAddr: ""
  tolerateFailures: false
  maxPacketSize: 268435455
  transports:
    tcp:
      port: 61616
    mqtt:
      port: 1883
persistence:
  enabled: true
  type: bolt # mem|memory, bolt|kahadb|durable, badger
  dir: ./data
delivery:
  ackTimeout: 10s
  retryInterval: 1s
  maxRetries: 5
  maxInflight: 0
  offlineQoS0: false
  drainTimeout: 5s
  writeTimeout: 10s
  maxQoS: 2
sessions:
  connectTimeout: 2s
  keepAlive: 60s
  expiry: 0s
monitoring:
  addr: ""
  sysInterval: 0s # $SYS/embroker/<name>/... update period, 0 disables
`)
