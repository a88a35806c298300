package approvalserver

import "net/http"

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

// indexHTML is the single-page approval UI: pending counts, risk-class
// cards, A/R keyboard shortcuts, optimistic card removal on decision,
// and SSE reconnect-on-error.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>shellgate approvals</title>
<style>
body { font-family: -apple-system, sans-serif; margin: 2rem; background: #111; color: #eee; }
h1 { font-size: 1.2rem; }
.card { border: 1px solid #333; border-radius: 6px; padding: 1rem; margin-bottom: 0.75rem; }
.card.low { border-left: 4px solid #3a3; }
.card.medium { border-left: 4px solid #aa3; }
.card.high { border-left: 4px solid #a33; }
.cmd { font-family: monospace; }
button { margin-right: 0.5rem; padding: 0.3rem 0.8rem; }
#count { color: #999; }
</style>
</head>
<body>
<h1>Pending approvals (<span id="count">0</span>)</h1>
<div id="cards"></div>
<script>
function riskClass(score) {
  if (score <= 3) return "low";
  if (score <= 6) return "medium";
  return "high";
}

function render(list) {
  const container = document.getElementById("cards");
  container.innerHTML = "";
  document.getElementById("count").textContent = list.length;
  list.forEach(req => {
    const div = document.createElement("div");
    div.className = "card " + riskClass(req.risk_score);
    div.dataset.id = req.approval_request_id;
    div.innerHTML =
      '<div class="cmd">' + req.command + " " + (req.args || []).join(" ") + "</div>" +
      "<div>risk: " + req.risk_score + " (" + (req.risk_factors || []).join(", ") + ")</div>" +
      '<button onclick="decide(\'' + req.approval_request_id + "', true)\">Approve (A)</button>" +
      '<button onclick="decide(\'' + req.approval_request_id + "', false)\">Reject (R)</button>";
    container.appendChild(div);
  });
}

function decide(id, approve) {
  fetch("/api/requests/" + id + "/" + (approve ? "approve" : "reject"), {
    method: "POST",
    headers: { "Content-Type": "application/json" },
    body: JSON.stringify({ decidedBy: "ui-operator" }),
  }).then(res => {
    if (res.ok) {
      const el = document.querySelector('[data-id="' + id + '"]');
      if (el) el.remove();
    }
  });
}

document.addEventListener("keydown", e => {
  const first = document.querySelector(".card");
  if (!first) return;
  if (e.key === "a" || e.key === "A") decide(first.dataset.id, true);
  if (e.key === "r" || e.key === "R") decide(first.dataset.id, false);
});

function refresh() {
  fetch("/api/requests/pending").then(r => r.json()).then(render);
}

function connect() {
  const es = new EventSource("/api/events");
  es.addEventListener("initialData", e => render(JSON.parse(e.data)));
  es.addEventListener("requestCreated", refresh);
  es.addEventListener("requestDecided", refresh);
  es.onerror = () => {
    es.close();
    setTimeout(connect, 2000);
  };
}

refresh();
connect();
</script>
</body>
</html>
`
