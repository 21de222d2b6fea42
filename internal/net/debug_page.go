package net

// debugPage is a minimal console for poking at the engine by hand: it joins a
// room over the control plane and dumps every frame it receives. Binary
// frames are shown as hex; decoding them client-side needs a msgpack library
// and is out of scope here.
const debugPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>KasagiEngine debug</title>
<style>
body { font-family: monospace; margin: 1rem; }
#log { white-space: pre-wrap; border: 1px solid #ccc; padding: 0.5rem; height: 24rem; overflow-y: scroll; }
input, button { font-family: inherit; }
</style>
</head>
<body>
<h3>KasagiEngine debug console</h3>
<div>
  room <input id="room" value="debug" size="12">
  player <input id="player" value="" size="12" placeholder="(auto)">
  <button id="join">join</button>
  payload <input id="payload" value='{"x":1}' size="24">
  <button id="send">input</button>
</div>
<div id="log"></div>
<script>
const log = (line) => {
  const el = document.getElementById("log");
  el.textContent += line + "\n";
  el.scrollTop = el.scrollHeight;
};
const sock = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
sock.binaryType = "arraybuffer";
let playerId = "";
sock.onopen = () => log("socket open");
sock.onclose = () => log("socket closed");
sock.onmessage = (ev) => {
  if (typeof ev.data === "string") {
    log("<- " + ev.data);
    try {
      const msg = JSON.parse(ev.data);
      if (msg.type === "joined") { playerId = msg.playerId; }
    } catch (e) {}
    return;
  }
  const bytes = new Uint8Array(ev.data);
  let hex = "";
  for (const b of bytes.slice(0, 64)) { hex += b.toString(16).padStart(2, "0"); }
  log("<- binary " + bytes.length + "B " + hex + (bytes.length > 64 ? "..." : ""));
};
document.getElementById("join").onclick = () => {
  const msg = { type: "join", roomId: document.getElementById("room").value };
  const requested = document.getElementById("player").value;
  if (requested) { msg.playerId = requested; }
  sock.send(JSON.stringify(msg));
  log("-> " + JSON.stringify(msg));
};
document.getElementById("send").onclick = () => {
  let payload;
  try { payload = JSON.parse(document.getElementById("payload").value); }
  catch (e) { log("bad payload: " + e); return; }
  const msg = {
    type: "input",
    roomId: document.getElementById("room").value,
    playerId: playerId,
    payload: payload,
  };
  sock.send(JSON.stringify(msg));
  log("-> " + JSON.stringify(msg));
};
</script>
</body>
</html>
`
